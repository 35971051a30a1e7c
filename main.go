package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/FrenchMajesty/turbo-batch/config"
	"github.com/FrenchMajesty/turbo-batch/metrics"
	"github.com/FrenchMajesty/turbo-batch/store"
	"github.com/FrenchMajesty/turbo-batch/telemetry"
	"github.com/FrenchMajesty/turbo-batch/turbo_batch"
	"github.com/FrenchMajesty/turbo-batch/utils/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "turbo-batch.yaml", "path to the YAML config file")
	flag.Parse()

	zl, err := logger.NewZapLoggerForEnv(os.Getenv("ENV"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Close()

	if err := run(*configPath, zl); err != nil {
		zl.Zap().Error("turbo-batch failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, zl *logger.ZapLogger) error {
	log := zl.Zap()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	providers, err := cfg.ProviderConfigs()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Tracing.ServiceName, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	collector := metrics.NewCollector("turbo_batch", log)

	opts := []turbo_batch.Option{
		turbo_batch.WithLogger(zl),
		turbo_batch.WithRecorder(collector),
		turbo_batch.WithTestMode(cfg.Batch.TestMode),
		turbo_batch.WithBurst(cfg.Batch.Burst),
		turbo_batch.WithRequestTimeout(cfg.Batch.RequestTimeout),
	}
	if cfg.Batch.Workers > 0 {
		opts = append(opts, turbo_batch.WithWorkers(cfg.Batch.Workers))
	}
	if cfg.Batch.TokensPerMinute != nil {
		opts = append(opts, turbo_batch.WithTokensPerMinute(*cfg.Batch.TokensPerMinute))
	}

	processor, err := turbo_batch.NewBatchProcessor(providers, opts...)
	if err != nil {
		return err
	}

	requests := buildRequests(cfg.Batch.Requests)
	log.Info("starting batch",
		zap.Int("requests", len(requests)),
		zap.Int("providers", len(providers)),
		zap.Bool("test_mode", cfg.Batch.TestMode),
	)

	observer := turbo_batch.ProgressFunc(func(completed, total, deltaPrompt, deltaCompletion, deltaUp, deltaDown, active int) {
		log.Debug("progress",
			zap.Int("completed", completed),
			zap.Int("total", total),
			zap.Int("delta_tokens", deltaPrompt+deltaCompletion),
			zap.Int("delta_bytes", deltaUp+deltaDown),
			zap.Int("active_workers", active),
		)
	})

	var server *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		server = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	var result *turbo_batch.BatchRequestResult
	g, gctx := errgroup.WithContext(ctx)
	batchDone := make(chan struct{})

	g.Go(func() error {
		defer close(batchDone)
		var err error
		result, err = processor.Process(ctx, requests, observer)
		return err
	})

	if server != nil {
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			// Serve the final counters for metrics.linger after the batch, then stop
			select {
			case <-batchDone:
				if cfg.Metrics.Linger > 0 {
					log.Info("batch finished, serving final metrics", zap.Duration("linger", cfg.Metrics.Linger))
					select {
					case <-time.After(cfg.Metrics.Linger):
					case <-gctx.Done():
					}
				}
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.Store.SQLitePath != "" && result != nil {
		if err := saveResult(cfg.Store.SQLitePath, result, log); err != nil {
			return err
		}
	}

	printSummary(result)
	return nil
}

func buildRequests(rc config.RequestsConfig) []clients.Request {
	requests := make([]clients.Request, 0, rc.Count)
	for i := 0; i < rc.Count; i++ {
		req := clients.Request{}
		if rc.System != "" {
			req = append(req, clients.SystemMessage(rc.System))
		}
		req = append(req, clients.UserMessage(fmt.Sprintf("%s (#%d)", rc.Prompt, i+1)))
		requests = append(requests, req)
	}
	return requests
}

func saveResult(path string, result *turbo_batch.BatchRequestResult, log *zap.Logger) error {
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.SaveBatch(context.Background(), result)
	if err != nil {
		return err
	}
	log.Info("saved batch", zap.String("id", id), zap.String("path", path))
	return nil
}

func printSummary(result *turbo_batch.BatchRequestResult) {
	if result == nil {
		return
	}

	fmt.Println("Batch summary")
	fmt.Println("=============")
	fmt.Printf("Requests:   %d succeeded, %d failed, %d total\n", result.SucceededRequests, result.FailedRequests, result.TotalRequests)
	fmt.Printf("Tokens:     %d (%d prompt, %d completion)\n", result.TotalTokens, result.PromptTokens, result.CompletionTokens)
	fmt.Printf("Time:       %s\n", result.TotalTime.Round(time.Millisecond))
	fmt.Printf("Throughput: %.2f req/s, %.2f tok/s\n", result.RequestsPerSecond(), result.TokensPerSecond())
	fmt.Printf("Bandwidth:  %.3f Mbps up, %.3f Mbps down\n", result.UplinkMbps(), result.DownlinkMbps())
	if result.Cancelled {
		fmt.Println("Batch was cancelled before every request completed")
	}

	for key, pm := range result.ProviderMetrics {
		fmt.Printf("  %s: %d requests, %d tokens, %.2f tok/s\n", key, pm.SucceededRequests, pm.TotalTokens, pm.TokensPerSecond())
	}
}
