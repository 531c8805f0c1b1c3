package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/api/catalog"
	"github.com/malbeclabs/insights/api/config"
	"github.com/malbeclabs/insights/api/handlers"
	"github.com/malbeclabs/insights/api/metrics"
	"github.com/malbeclabs/insights/api/server"
	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/utils/pkg/logger"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during graceful shutdown")
	corsOriginsFlag := flag.String("cors-origins", "", "comma separated allowed CORS origins, empty allows any (or set CORS_ORIGINS env var)")
	queryRateFlag := flag.Float64("query-rate", 5, "per-client warehouse queries per second, 0 disables rate limiting")
	queryBurstFlag := flag.Int("query-burst", 20, "per-client warehouse query burst")
	envFileFlag := flag.String("env-file", ".env", "dotenv file to load if present")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		*corsOriginsFlag = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadPostgres(ctx, log); err != nil {
		return fmt.Errorf("failed to load postgres: %w", err)
	}
	defer config.ClosePostgres()

	queryCfg, err := config.QueryConfigFromEnv()
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	exec, err := executor.New(executor.Config{
		Logger:            log,
		Clock:             clock,
		Observer:          metrics.QueryObserver{},
		QueryTimeout:      queryCfg.QueryTimeout,
		IntrospectTimeout: queryCfg.IntrospectTimeout,
	})
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{
		Logger:            log,
		Executor:          exec,
		RenderConcurrency: queryCfg.RenderConcurrency,
	})
	if err != nil {
		return err
	}

	var limiter *handlers.RateLimiter
	if *queryRateFlag > 0 {
		limiter = handlers.NewRateLimiter(clock, rate.Limit(*queryRateFlag), *queryBurstFlag)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := server.New(server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  splitList(*corsOriginsFlag),
		HandlerConfig: handlers.Config{
			Logger:       log,
			Engine:       eng,
			Executor:     exec,
			Store:        catalog.NewStore(config.PgPool, clock),
			Warehouse:    executor.NewPoolConn(config.WarehousePool),
			QueryLimiter: limiter,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("insights api starting", "version", version, "commit", commit,
		"query_timeout", queryCfg.QueryTimeout, "render_concurrency", queryCfg.RenderConcurrency)
	return srv.Run(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
