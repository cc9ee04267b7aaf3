// cmd/oracle-ask/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"experiment-oracle/internal/common/errors"
	httpclient "experiment-oracle/internal/common/http"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/oracle/api"
	"experiment-oracle/internal/oracle/cache"
	"experiment-oracle/internal/oracle/dispatch"
	"experiment-oracle/internal/oracle/history"
	"experiment-oracle/internal/oracle/orchestrator"
)

func main() {
	var (
		mode         = flag.String("mode", orchestrator.StrategyAsync, "sync (call the answering service directly) or async (through the gateway)")
		gatewayURL   = flag.String("gateway", "http://localhost:8080", "oracle gateway base URL")
		token        = flag.String("token", os.Getenv("ORACLE_TOKEN"), "bearer token for the gateway")
		userID       = flag.String("user", os.Getenv("ORACLE_USER_ID"), "user id asserted in each question")
		conversation = flag.String("conversation", "", "resume an existing conversation")
		endpoint     = flag.String("endpoint", os.Getenv("ORACLE_DISPATCH_ENDPOINT"), "answering service URL for sync mode")
		apiKey       = flag.String("api-key", os.Getenv("ORACLE_DISPATCH_API_KEY"), "answering service API key for sync mode")
		redisAddr    = flag.String("redis", "", "redis address for the response cache and answer subscriptions")
		pollInterval = flag.Duration("poll", 2*time.Second, "history poll interval when not subscribed")
		timeout      = flag.Duration("timeout", 2*time.Minute, "give up waiting for an answer after this long")
		verbose      = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zapLog := logger.New(level, "console")
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "a user id is required (-user or ORACLE_USER_ID)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.Option{}

	var rdb *redis.Client
	if *redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		opts = append(opts, orchestrator.WithCache(cache.NewLookup(cache.NewRedisStore(rdb), log)))
	}

	switch *mode {
	case orchestrator.StrategySync:
		client := httpclient.NewClient(*timeout)
		opts = append(opts, orchestrator.WithAnswerer(dispatch.NewDirectClient(client, *endpoint, *apiKey)))
	case orchestrator.StrategyAsync:
		gw := api.NewClient(httpclient.NewClient(10*time.Second).WithRetries(1), *gatewayURL, *token)
		var feed orchestrator.Feed = orchestrator.NewPollingFeed(gw, *pollInterval, log)
		if rdb != nil {
			feed = orchestrator.NewSubscriptionFeed(history.NewRedisFeed(rdb, log), gw)
		}
		opts = append(opts, orchestrator.WithDispatcher(gw, feed))
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	session := orchestrator.New(orchestrator.Config{
		UserID:         *userID,
		ConversationID: *conversation,
		AnswerTimeout:  *timeout,
		OnProgress: func(p orchestrator.Progress) {
			fmt.Fprintf(os.Stderr, "… %s\n", p.Message)
		},
	}, log, opts...)

	questions := flag.Args()
	if len(questions) > 0 {
		os.Exit(ask(ctx, session, *mode, strings.Join(questions, " ")))
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprint(os.Stderr, "> ")
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			ask(ctx, session, *mode, text)
		}
		if ctx.Err() != nil {
			return
		}
		fmt.Fprint(os.Stderr, "> ")
	}
}

func ask(ctx context.Context, session *orchestrator.Orchestrator, mode, text string) int {
	var out orchestrator.Outcome
	var err error

	if mode == orchestrator.StrategySync {
		out, err = session.Ask(ctx, text)
	} else {
		var pending *orchestrator.Pending
		pending, err = session.Submit(ctx, text)
		if err == nil {
			out, err = pending.Wait(ctx)
		}
	}

	if err != nil {
		label := "error"
		if out.State == orchestrator.StateFailed || out.State == orchestrator.StateTimedOut {
			label = out.State.String()
		}
		std := errors.AsStandard(err)
		fmt.Fprintf(os.Stderr, "%s [%s]: %s\n", label, std.Code, std.Message)
		return 1
	}

	source := "oracle"
	if out.FromCache {
		source = "cache"
	}
	fmt.Println(out.Answer.Content)
	if len(out.Answer.Sources) > 0 {
		fmt.Printf("sources: %s\n", strings.Join(out.Answer.Sources, ", "))
	}
	fmt.Fprintf(os.Stderr, "(%s, %s, conversation %s)\n", source, out.Elapsed.Round(time.Millisecond), session.ConversationID())
	return 0
}
