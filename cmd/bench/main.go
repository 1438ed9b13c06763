// README: Smoke/bench runner against a deployed instance; executes HTTP, DB, Redis and Kafka checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)

	fmt.Println("\n== Summary ==")
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", counts[statusPass], counts[statusFail], counts[statusSkip])

	if counts[statusFail] > 0 || (cfg.Strict && counts[statusSkip] > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	KafkaBroker    string
	MigrationPath  string
	ApplyMigration bool
	AdminToken     string
	DriverToken    string
	ConsumerToken  string
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("FARMDROP_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("FARMDROP_DB_DSN"), "Postgres DSN (empty skips DB checks)")
	flag.StringVar(&cfg.RedisAddr, "redis", os.Getenv("FARMDROP_REDIS_ADDR"), "Redis address (empty skips Redis checks)")
	flag.StringVar(&cfg.KafkaBroker, "kafka", firstBroker(os.Getenv("FARMDROP_KAFKA_BROKERS")), "Kafka broker (empty skips Kafka checks)")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("FARMDROP_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("FARMDROP_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	flag.StringVar(&cfg.AdminToken, "admin-token", os.Getenv("FARMDROP_BENCH_ADMIN_TOKEN"), "Firebase ID token with role=admin")
	flag.StringVar(&cfg.DriverToken, "driver-token", os.Getenv("FARMDROP_BENCH_DRIVER_TOKEN"), "Firebase ID token with role=driver")
	flag.StringVar(&cfg.ConsumerToken, "consumer-token", os.Getenv("FARMDROP_BENCH_CONSUMER_TOKEN"), "Firebase ID token of a consumer")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("FARMDROP_BENCH_STRICT", false), "Fail on skipped checks")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("FARMDROP_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("FARMDROP_BENCH_CONCURRENCY", 20), "Concurrency for race and perf checks")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("FARMDROP_BENCH_DURATION", 10*time.Second), "Duration for perf checks")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func (c Config) hasTokens() bool {
	return c.AdminToken != "" && c.DriverToken != "" && c.ConsumerToken != ""
}

func firstBroker(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
