// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// RecordAnswerWorker is the task type of the Zeebe answer-recording worker.
const RecordAnswerWorker = "record-oracle-answer"

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml and applies env overrides.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // environment overlay is optional

	return finalize(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finalize(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finalize(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads the first .env found in the working directory, its parents, or the module root.
func loadEnvFile() string {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from well-known environment variables when still empty.
func overrideEmptyConfig(cfg *Config) {
	setIfEmpty(&cfg.Oracle.Dispatch.Endpoint, "ORACLE_DISPATCH_ENDPOINT")
	setIfEmpty(&cfg.Oracle.Dispatch.APIKey, "ORACLE_DISPATCH_API_KEY")
	setIfEmpty(&cfg.Auth.ServiceToken, "ORACLE_SERVICE_TOKEN")
	setIfEmpty(&cfg.Auth.Keycloak.ClientSecret, "KEYCLOAK_CLIENT_SECRET")
	setIfEmpty(&cfg.Database.Postgres.User, "DB_USER")
	setIfEmpty(&cfg.Database.Postgres.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Notifications.SNS.TopicARN, "ORACLE_SNS_TOPIC_ARN")
}

func setIfEmpty(dst *string, envKey string) {
	if *dst != "" {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*dst = val
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "experiment-oracle"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30000
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}
	if cfg.Camunda.ProcessID == "" {
		cfg.Camunda.ProcessID = "oracle-question"
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "oracle-turns"
	}

	if cfg.Oracle.Dispatch.Transport == "" {
		cfg.Oracle.Dispatch.Transport = TransportHTTP
	}
	if cfg.Oracle.Dispatch.Timeout == 0 {
		cfg.Oracle.Dispatch.Timeout = 10000
	}
	if cfg.Oracle.Dispatch.MaxRetries == 0 {
		cfg.Oracle.Dispatch.MaxRetries = 2
	}
	if cfg.Oracle.Dispatch.QueueSize == 0 {
		cfg.Oracle.Dispatch.QueueSize = 256
	}
	if cfg.Oracle.Dispatch.Workers == 0 {
		cfg.Oracle.Dispatch.Workers = 4
	}
	if cfg.Oracle.Cache.Backend == "" {
		cfg.Oracle.Cache.Backend = BackendPostgres
	}
	if cfg.Oracle.Cache.TTL == 0 {
		cfg.Oracle.Cache.TTL = 24 * 60 * 60 * 1000
	}
	if cfg.Oracle.History.Backend == "" {
		cfg.Oracle.History.Backend = BackendPostgres
	}
	if cfg.Oracle.Delivery.Mode == "" {
		cfg.Oracle.Delivery.Mode = DeliverySubscribe
	}
	if cfg.Oracle.Delivery.Mode == DeliverySubscribe && cfg.Database.Redis.Address == "" {
		cfg.Oracle.Delivery.Mode = DeliveryPoll
	}
	if cfg.Oracle.Delivery.PollInterval == 0 {
		cfg.Oracle.Delivery.PollInterval = 2000
	}
	if cfg.Oracle.EscalationAfter == 0 {
		cfg.Oracle.EscalationAfter = 30000
	}
	if cfg.Oracle.AnswerTimeout == 0 {
		cfg.Oracle.AnswerTimeout = 120000
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Oracle.Dispatch.Transport {
	case TransportHTTP:
	case TransportZeebe:
		if cfg.Camunda.BrokerAddress == "" {
			return fmt.Errorf("camunda.broker_address is required for the zeebe transport")
		}
	default:
		return fmt.Errorf("oracle.dispatch.transport %q is not supported", cfg.Oracle.Dispatch.Transport)
	}

	needsPostgres := false
	switch cfg.Oracle.History.Backend {
	case BackendPostgres:
		needsPostgres = true
	case BackendDynamoDB:
		if cfg.Database.DynamoDB.Table == "" {
			return fmt.Errorf("database.dynamodb.table is required for the dynamodb history backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("oracle.history.backend %q is not supported", cfg.Oracle.History.Backend)
	}

	switch cfg.Oracle.Cache.Backend {
	case BackendPostgres:
		needsPostgres = true
	case BackendRedis:
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required for the redis cache backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("oracle.cache.backend %q is not supported", cfg.Oracle.Cache.Backend)
	}

	if needsPostgres {
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	}

	switch cfg.Oracle.Delivery.Mode {
	case DeliverySubscribe, DeliveryPoll:
	default:
		return fmt.Errorf("oracle.delivery.mode %q is not supported", cfg.Oracle.Delivery.Mode)
	}

	if IsWorkerEnabled(cfg, RecordAnswerWorker) && cfg.Camunda.BrokerAddress == "" {
		if _, declared := cfg.Workers[RecordAnswerWorker]; declared {
			return fmt.Errorf("camunda.broker_address is required when %s is enabled", RecordAnswerWorker)
		}
	}

	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}

	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled checks if a specific worker is enabled
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
