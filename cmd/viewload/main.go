// Command viewload drives the view counter with a Zipf-skewed mix of
// increments and reads, so the reconciler has realistic keys to fold back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/cache/redisstore"
	"github.com/mohammed-shakir/qna-reconciler/internal/config"
	"github.com/mohammed-shakir/qna-reconciler/internal/logger"
	"github.com/mohammed-shakir/qna-reconciler/internal/store/pgstore"
	"github.com/mohammed-shakir/qna-reconciler/internal/viewcount"
)

type Config struct {
	RedisAddr   string
	DatabaseURL string
	Questions   int
	Concurrency int
	Duration    time.Duration
	ReadRatio   float64
	ZipfS       float64
	ZipfV       float64
	CacheTTL    time.Duration
	Seed        bool
	Output      string
}

func loadConfig(args []string, env config.Config) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("viewload", flag.ContinueOnError)
	fs.StringVar(&cfg.RedisAddr, "redis", env.RedisAddr, "Redis address")
	fs.StringVar(&cfg.DatabaseURL, "db", env.DatabaseURL, "PostgreSQL URL")
	fs.IntVar(&cfg.Questions, "questions", 1000, "Distinct question ids (1..n)")
	fs.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	fs.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Test duration")
	fs.Float64Var(&cfg.ReadRatio, "read-ratio", 0.2, "Share of operations that are reads")
	fs.Float64Var(&cfg.ZipfS, "zipf-s", 1.2, "Zipf parameter s (>1)")
	fs.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	fs.DurationVar(&cfg.CacheTTL, "ttl", env.ViewCacheTTL, "Counter key TTL (default from VIEW_CACHE_TTL)")
	fs.BoolVar(&cfg.Seed, "seed", true, "Create missing durable counters before the run")
	fs.StringVar(&cfg.Output, "out", "", "Optional JSON summary path")
	err := fs.Parse(args)
	return cfg, err
}

type sample struct {
	op      string
	latency time.Duration
	err     error
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	Increments    int64     `json:"increments"`
	Reads         int64     `json:"reads"`
	Errors        int64     `json:"errors"`
	ThroughputOPS float64   `json:"throughput_ops"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	Questions     int       `json:"questions"`
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig(os.Args[1:], config.FromEnv())
	if err != nil {
		return 2
	}
	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "viewload"}, os.Stderr)
	log := logger.NewSlog(&zl)

	if cfg.Questions <= 0 || cfg.Concurrency <= 0 {
		log.Error("questions and concurrency must be positive")
		return 2
	}
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Error("zipf parameters out of range", "s", cfg.ZipfS, "v", cfg.ZipfV)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration+30*time.Second)
	defer cancel()

	store, err := pgstore.Open(ctx, pgstore.Config{URL: cfg.DatabaseURL, MaxConns: int32(min(cfg.Concurrency, 64))}, log) //nolint:gosec // clamped
	if err != nil {
		log.Error("postgres unavailable", "err", err)
		return 1
	}
	defer store.Close()

	rc, err := redisstore.New(ctx, cfg.RedisAddr, redisstore.WithPoolSize(cfg.Concurrency*2))
	if err != nil {
		log.Error("redis unavailable", "err", err)
		return 1
	}
	defer func() { _ = rc.Close() }()

	if cfg.Seed {
		for id := 1; id <= cfg.Questions; id++ {
			if err := store.EnsureViewCounter(ctx, int64(id)); err != nil {
				log.Error("seed durable counter", "question_id", id, "err", err)
				return 1
			}
		}
		log.Info("durable counters ready", "questions", cfg.Questions)
	}

	svc := viewcount.New(rc, store, cfg.CacheTTL, log)
	res := drive(ctx, svc, cfg)
	log.Info("done",
		"increments", res.Increments,
		"reads", res.Reads,
		"errors", res.Errors,
		"ops_per_sec", fmt.Sprintf("%.1f", res.ThroughputOPS),
		"p50_ms", res.P50Ms,
		"p95_ms", res.P95Ms,
		"p99_ms", res.P99Ms)

	if cfg.Output != "" {
		if err := writeSummary(cfg.Output, res); err != nil {
			log.Error("write summary", "err", err)
			return 1
		}
	}
	return 0
}

// counter is the part of viewcount.Service the workers call.
type counter interface {
	Increment(ctx context.Context, questionID int64) (int64, error)
	GetCount(ctx context.Context, questionID int64) (int64, error)
}

func drive(parent context.Context, svc counter, cfg Config) summary {
	ctx, cancel := context.WithTimeout(parent, cfg.Duration)
	defer cancel()

	seed := time.Now().UnixNano()
	samples := make(chan sample, 4096)
	done := make(chan summary, 1)

	start := time.Now()
	go func() {
		var s summary
		lat := make([]float64, 0, 1<<16)
		for smp := range samples {
			if smp.err != nil {
				s.Errors++
				continue
			}
			if smp.op == "read" {
				s.Reads++
			} else {
				s.Increments++
			}
			lat = append(lat, float64(smp.latency.Microseconds())/1000.0)
		}
		sort.Float64s(lat)
		s.P50Ms = percentile(lat, 50)
		s.P95Ms = percentile(lat, 95)
		s.P99Ms = percentile(lat, 99)
		done <- s
	}()

	var wg sync.WaitGroup
	for w := range cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1)) //nolint:gosec // load shape only
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(cfg.Questions-1))
			for ctx.Err() == nil {
				qid := int64(zipf.Uint64()) + 1 //nolint:gosec // bounded by Questions
				op := "incr"
				t0 := time.Now()
				var err error
				if r.Float64() < cfg.ReadRatio {
					op = "read"
					_, err = svc.GetCount(ctx, qid)
				} else {
					_, err = svc.Increment(ctx, qid)
				}
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return
				}
				samples <- sample{op: op, latency: time.Since(t0), err: err}
			}
		}(w)
	}
	wg.Wait()
	close(samples)

	res := <-done
	res.StartTime = start.UTC()
	res.EndTime = time.Now().UTC()
	res.DurationSec = res.EndTime.Sub(res.StartTime).Seconds()
	if res.DurationSec > 0 {
		res.ThroughputOPS = float64(res.Increments+res.Reads) / res.DurationSec
	}
	res.Concurrency = cfg.Concurrency
	res.Questions = cfg.Questions
	return res
}

func writeSummary(path string, s summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
