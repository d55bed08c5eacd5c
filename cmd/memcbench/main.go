// Command memcbench is a load-generating benchmark client for a memcached
// pool, and the reference wiring for config loading, pool construction, the
// stats server, and config hot-reload (SPEC_FULL.md component K, grounded on
// the teacher's cmd/dbbouncer/main.go startup sequence).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-memcached/memcached"
	"github.com/go-memcached/memcached/config"
	"github.com/go-memcached/memcached/internal/metrics"
	"github.com/go-memcached/memcached/internal/statsserver"
)

func main() {
	configPath := flag.String("config", "configs/memcbench.yaml", "path to configuration file")
	ops := flag.Int("ops", 100000, "total operations to run per worker")
	concurrency := flag.Int("concurrency", 8, "number of concurrent workers")
	valueSize := flag.Int("value-size", 100, "size in bytes of the string value written by each set")
	flag.Parse()

	log := slog.Default().With("component", "memcbench")
	log.Info("memcbench starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "servers", len(cfg.Pool.Servers))

	poolCfg := memcached.PoolConfigFromFile(cfg)
	pool := memcached.GetOrCreatePool("default", poolCfg)
	if err := pool.Initialize(); err != nil {
		log.Error("failed to initialize pool", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	pool.SetMetrics(m)

	var statsSrv *statsserver.Server
	if cfg.StatsServer.Enabled {
		statsSrv = statsserver.New(pool, m)
		if err := statsSrv.Start(cfg.StatsServer.Bind, cfg.StatsServer.Port); err != nil {
			log.Error("failed to start stats server", "err", err)
			os.Exit(1)
		}
	}

	client := memcached.NewClient("default", memcached.ClientOptionsFromFile(cfg)...)

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Info("reloading codec configuration")
		client = memcached.NewClient("default", memcached.ClientOptionsFromFile(newCfg)...)
	})
	if err != nil {
		log.Warn("config hot-reload not available", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		runBenchmark(log, client, *ops, *concurrency, *valueSize)
		close(done)
	}()

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case <-done:
		log.Info("benchmark complete")
	}

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if statsSrv != nil {
		statsSrv.Stop()
	}
	pool.Shutdown()
}

func runBenchmark(log *slog.Logger, client *memcached.Client, ops, concurrency, valueSize int) {
	value := strings.Repeat("x", valueSize)

	var wg sync.WaitGroup
	var sets, gets, incrs, errs int64
	start := time.Now()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			for i := 0; i < ops; i++ {
				key := fmt.Sprintf("memcbench:%d:%d", worker, i)
				if _, err := client.Set(key, value, time.Time{}); err != nil {
					atomic.AddInt64(&errs, 1)
					continue
				}
				atomic.AddInt64(&sets, 1)

				switch rng.Intn(3) {
				case 0:
					if _, _, err := client.Get(key); err != nil {
						atomic.AddInt64(&errs, 1)
						continue
					}
					atomic.AddInt64(&gets, 1)
				case 1:
					if _, err := client.Incr(key, 1); err != nil {
						atomic.AddInt64(&errs, 1)
						continue
					}
					atomic.AddInt64(&incrs, 1)
				}
			}
		}(w)
	}

	wg.Wait()
	elapsed := time.Since(start)

	log.Info("benchmark results",
		"sets", sets,
		"gets", gets,
		"incrs", incrs,
		"errors", errs,
		"elapsed", elapsed.String(),
		"ops_per_sec", float64(sets+gets+incrs)/elapsed.Seconds(),
	)
}
