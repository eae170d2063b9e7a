package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-teleo/v1/lock"
	"github.com/mirkobrombin/go-teleo/v1/metrics"
	"github.com/mirkobrombin/go-teleo/v1/state"
)

var (
	concurrency = flag.Int("c", 16, "Number of concurrent workers")
	iterations  = flag.Int("n", 10000, "Iterations per worker")
	keys        = flag.Int("keys", 4, "Number of distinct locks")
	tryRatio    = flag.Float64("try", 0.2, "Fraction of iterations using TryUpdate instead of Update")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :2112")
	traceOut    = flag.Bool("trace", false, "Export spans to stdout")
	verbose     = flag.Bool("v", false, "Log lock construction and destruction")
)

func main() {
	flag.Parse()
	if *keys <= 0 || *concurrency <= 0 || *iterations <= 0 {
		log.Fatal("-c, -n and -keys must be positive")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	var stateOpts []state.Option
	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
		stateOpts = append(stateOpts, state.WithTracing())
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	counters := make([]*state.Shared[int], *keys)
	for i := range counters {
		opts := append([]state.Option{
			state.WithLockOptions(lock.WithName(fmt.Sprintf("counter-%d", i)), lock.WithLogger(logger)),
		}, stateOpts...)
		s, err := state.New(0, opts...)
		if err != nil {
			log.Fatalf("new counter: %v", err)
		}
		counters[i] = s
	}

	log.Printf("Starting lock benchmark: %d workers, %d iterations, %d locks", *concurrency, *iterations, *keys)

	var applied, skipped atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		seed := time.Now().UnixNano() + int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			inc := func(v *int) error {
				*v++
				return nil
			}
			for j := 0; j < *iterations; j++ {
				s := counters[r.Intn(len(counters))]
				if r.Float64() < *tryRatio {
					ran, err := s.TryUpdate(gctx, inc)
					if err != nil {
						return err
					}
					if !ran {
						skipped.Add(1)
						continue
					}
				} else if err := s.Update(gctx, inc); err != nil {
					return err
				}
				applied.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	var total int64
	var closeErrs []error
	for _, s := range counters {
		v, err := s.Load(ctx)
		if err != nil {
			log.Fatalf("load %s: %v", s.Name(), err)
		}
		total += int64(v)
		closeErrs = append(closeErrs, s.Close())
	}
	if err := errors.Join(closeErrs...); err != nil {
		log.Fatalf("close: %v", err)
	}

	ops := applied.Load() + skipped.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f ops/s", float64(ops)/elapsed.Seconds())
	log.Printf("Applied: %d, skipped busy: %d", applied.Load(), skipped.Load())
	if total != applied.Load() {
		log.Fatalf("mutual exclusion violated: counters sum to %d, expected %d", total, applied.Load())
	}
	log.Println("Counters consistent.")
}
