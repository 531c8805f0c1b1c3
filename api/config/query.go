package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/executor"
)

// QueryConfig holds the limits applied to warehouse statements.
type QueryConfig struct {
	QueryTimeout      time.Duration
	IntrospectTimeout time.Duration
	RenderConcurrency int
}

// QueryConfigFromEnv reads INSIGHTS_QUERY_TIMEOUT, INSIGHTS_INTROSPECT_TIMEOUT
// and INSIGHTS_RENDER_CONCURRENCY.
func QueryConfigFromEnv() (QueryConfig, error) {
	cfg := QueryConfig{
		QueryTimeout:      executor.DefaultQueryTimeout,
		IntrospectTimeout: executor.DefaultIntrospectTimeout,
		RenderConcurrency: engine.DefaultRenderConcurrency,
	}

	var err error
	if cfg.QueryTimeout, err = durationEnv("INSIGHTS_QUERY_TIMEOUT", cfg.QueryTimeout); err != nil {
		return cfg, err
	}
	if cfg.IntrospectTimeout, err = durationEnv("INSIGHTS_INTROSPECT_TIMEOUT", cfg.IntrospectTimeout); err != nil {
		return cfg, err
	}
	if v := os.Getenv("INSIGHTS_RENDER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("INSIGHTS_RENDER_CONCURRENCY must be a positive integer, got %q", v)
		}
		cfg.RenderConcurrency = n
	}
	return cfg, nil
}

// durationEnv accepts Go durations ("45s") or plain seconds ("45").
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
