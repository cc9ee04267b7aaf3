// cmd/oracle-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"experiment-oracle/internal/common/auth"
	awsclient "experiment-oracle/internal/common/aws"
	"experiment-oracle/internal/common/camunda"
	"experiment-oracle/internal/common/config"
	"experiment-oracle/internal/common/database"
	httpclient "experiment-oracle/internal/common/http"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/observability"
	"experiment-oracle/internal/oracle/answers"
	"experiment-oracle/internal/oracle/api"
	"experiment-oracle/internal/oracle/cache"
	"experiment-oracle/internal/oracle/dispatch"
	"experiment-oracle/internal/oracle/history"
	recordanswer "experiment-oracle/internal/workers/oracle/record-answer"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

type pinger func(ctx context.Context) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New("info", "console")
		fallback.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)
	zapLog.Info("Starting oracle gateway...", zap.String("environment", cfg.App.Environment))

	obs := observability.New(cfg.Observability.ServiceName)
	tracing, err := observability.NewTracing(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint)
	if err != nil {
		zapLog.Fatal("tracing init failed", zap.Error(err))
	}

	ctx := context.Background()
	readiness := map[string]pinger{}

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	if cfg.Oracle.History.Backend == config.BackendPostgres || cfg.Oracle.Cache.Backend == config.BackendPostgres {
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			zapLog.Fatal("postgres migration failed", zap.Error(err))
		}
		readiness["postgres"] = pg.Ping
		zapLog.Info("PostgreSQL connected successfully")
	}

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	if cfg.Database.Redis.Address != "" {
		err = retryWithBackoff(func() error {
			var err error
			rdb, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rdb.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rdb.Close()
		readiness["redis"] = rdb.Ping
		zapLog.Info("Redis connected successfully")
	}

	// --- Conversation history ---
	var store history.Store
	switch cfg.Oracle.History.Backend {
	case config.BackendPostgres:
		store = history.NewPostgresStore(pg.DB)
	case config.BackendDynamoDB:
		var dyn *database.DynamoDBClient
		err = retryWithBackoff(func() error {
			var err error
			dyn, err = database.NewDynamoDB(ctx, cfg.Database.DynamoDB)
			if err != nil {
				return err
			}
			return dyn.Ping(ctx)
		}, 5, 2*time.Second, zapLog, "DynamoDB connection")
		if err != nil {
			zapLog.Fatal("dynamodb failed after retries", zap.Error(err))
		}
		store, err = history.NewDynamoStore(dyn.Client, dyn.Table)
		if err != nil {
			zapLog.Fatal("dynamodb history store", zap.Error(err))
		}
		readiness["dynamodb"] = dyn.Ping
	default:
		zapLog.Warn("Using in-memory history; turns are lost on restart")
		store = history.NewMemoryStore()
	}

	if cfg.Database.Elasticsearch.Enabled() {
		var es *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return es.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		store = history.NewIndexingStore(store, es, cfg.Database.Elasticsearch.Index, log)
		zapLog.Info("Elasticsearch connected successfully")
	}

	if rdb != nil {
		store = history.NewPublishingStore(store, rdb.Client, log)
	}

	// --- Answer recorder ---
	var recorderOpts []answers.Option
	switch cfg.Oracle.Cache.Backend {
	case config.BackendPostgres:
		recorderOpts = append(recorderOpts, answers.WithCache(cache.NewPostgresStore(pg.DB), config.GetDuration(cfg.Oracle.Cache.TTL)))
	case config.BackendRedis:
		recorderOpts = append(recorderOpts, answers.WithCache(cache.NewRedisStore(rdb.Client), config.GetDuration(cfg.Oracle.Cache.TTL)))
	}

	if cfg.Notifications.SNS.Enabled {
		sns, err := awsclient.NewSNSClient(ctx, cfg.Notifications.SNS.Region, cfg.Notifications.SNS.TopicARN)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		recorderOpts = append(recorderOpts, answers.WithEvents(sns))
	}
	recorder := answers.NewRecorder(store, log, recorderOpts...)

	// --- Zeebe ---
	var zc *camunda.Client
	if cfg.Camunda.BrokerAddress != "" {
		err = retryWithBackoff(func() error {
			var err error
			zc, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
				ConnectionTimeout:      10 * time.Second,
				RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		readiness["zeebe"] = zc.HealthCheck
		zapLog.Info("Zeebe client connected successfully")
	}

	// --- Dispatch ---
	var notifier dispatch.Notifier
	switch cfg.Oracle.Dispatch.Transport {
	case config.TransportZeebe:
		notifier = dispatch.NewZeebeNotifier(zc, cfg.Camunda.ProcessID)
	default:
		if cfg.Oracle.Dispatch.Endpoint != "" {
			client := httpclient.NewClient(config.GetDuration(cfg.Oracle.Dispatch.Timeout)).
				WithRetries(cfg.Oracle.Dispatch.MaxRetries)
			notifier = dispatch.NewHTTPNotifier(client, cfg.Oracle.Dispatch.Endpoint, cfg.Oracle.Dispatch.APIKey)
		}
	}

	var queue *dispatch.Queue
	var submitter dispatch.Submitter
	if notifier != nil {
		queue = dispatch.NewQueue(notifier, dispatch.QueueConfig{
			Size:    cfg.Oracle.Dispatch.QueueSize,
			Workers: cfg.Oracle.Dispatch.Workers,
			Timeout: config.GetDuration(cfg.Oracle.Dispatch.Timeout),
		}, log)
		submitter = queue
		zapLog.Info("Dispatch queue started", zap.String("transport", notifier.Transport()))
	} else {
		zapLog.Warn("No answering service configured; dispatch requests will be rejected")
	}

	// --- Authentication ---
	var chain auth.Chain
	if len(cfg.Auth.StaticTokens) > 0 {
		chain = append(chain, auth.NewStaticAuthenticator(cfg.Auth.StaticTokens))
	}
	if cfg.Auth.KeycloakEnabled() {
		chain = append(chain, auth.NewKeycloakAuthenticator(
			cfg.Auth.Keycloak.URL,
			cfg.Auth.Keycloak.Realm,
			cfg.Auth.Keycloak.ClientID,
			cfg.Auth.Keycloak.ClientSecret,
		))
	}
	if len(chain) == 0 {
		zapLog.Warn("No authenticator configured; every request will be rejected")
	}

	gateway := dispatch.NewGateway(chain, store, submitter, log)

	// --- Answer worker ---
	var answerWorker *camunda.CamundaWorker
	if zc != nil && config.IsWorkerEnabled(cfg, config.RecordAnswerWorker) {
		wcfg := config.GetWorkerConfig(cfg, config.RecordAnswerWorker)
		handler := recordanswer.NewHandler(
			&recordanswer.Config{Timeout: config.GetDuration(wcfg.Timeout)},
			recorder, log,
		)
		answerWorker = camunda.NewWorker(zc.GetClient(), recordanswer.TaskType, wcfg.MaxJobsActive,
			config.GetDuration(wcfg.Timeout), handler, log)
	}

	// --- HTTP Server ---
	mux := http.NewServeMux()
	mux.Handle("/oracle/", api.NewRouter(&api.Handler{
		Gateway:      gateway,
		Recorder:     recorder,
		History:      store,
		ServiceToken: cfg.Auth.ServiceToken,
		Logger:       log,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status, code := "ready", http.StatusOK
		failed := map[string]string{}
		for name, ping := range readiness {
			if err := ping(checkCtx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			status, code = "not ready", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"failed": failed,
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      mux,
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("Oracle gateway listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}
	if answerWorker != nil {
		answerWorker.Stop()
	}
	if queue != nil {
		if err := queue.Stop(shutdownCtx); err != nil {
			zapLog.Error("Dispatch queue did not drain", zap.Error(err))
		}
	}
	if zc != nil {
		if err := zc.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down tracing", zap.Error(err))
	}
	obs.Shutdown(shutdownCtx)

	zapLog.Info("Oracle gateway stopped gracefully")
}
