package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/hive-corporation/threatcore/internal/adapter/intel"
	"github.com/hive-corporation/threatcore/internal/adapter/provider"
	"github.com/hive-corporation/threatcore/internal/app"
	"github.com/hive-corporation/threatcore/internal/config"
	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	metrics.InitMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	backend, err := app.NewBackend(ctx, cfg.Storage)
	if err != nil {
		logger.Error("initializing storage backend", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	orch, err := app.NewOrchestrator(cfg, backend, logger)
	if err != nil {
		logger.Error("assembling pipeline", "error", err)
		os.Exit(1)
	}

	tc := domain.TenantContext{
		TenantID: getEnv("TENANT_ID", "default"),
		UserID:   "ingester",
	}

	client := intel.NewClient("feeds", intel.DefaultClientConfig(), logger)
	feeds := buildFeeds(client, logger)

	iocCh := make(chan domain.IOC, 2000)
	var wg sync.WaitGroup
	for _, feed := range feeds {
		wg.Add(1)
		go func(f ports.ThreatFeed) {
			defer wg.Done()
			iocs, err := f.FetchIOCs(ctx)
			if err != nil {
				logger.Error("feed download failed", "feed", f.Name(), "error", err)
				kind := "unavailable"
				if domain.IsKind(err, domain.KindAdapterTimeout) {
					kind = "timeout"
				}
				metrics.RecordAdapterError(f.Name(), kind)
				return
			}
			logger.Info("feed downloaded", "feed", f.Name(), "count", len(iocs))
			for _, ioc := range iocs {
				select {
				case iocCh <- ioc:
				case <-ctx.Done():
					return
				}
			}
		}(feed)
	}
	go func() {
		wg.Wait()
		close(iocCh)
	}()

	var (
		batch     []domain.IOC
		processed int
		failed    int
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		report, err := orch.ProcessBatch(ctx, tc, batch)
		if err != nil {
			logger.Error("batch processing failed", "size", len(batch), "error", err)
		} else {
			processed += report.Successful
			failed += report.Failed
			logger.Info("batch processed", "size", len(batch), "successful", report.Successful, "failed", report.Failed)
		}
		batch = nil
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	logger.Info("ingestion started", "feeds", len(feeds), "tenant", tc.TenantID)
	for {
		select {
		case ioc, ok := <-iocCh:
			if !ok {
				flush()
				logger.Info("ingestion finished", "processed", processed, "failed", failed)
				return
			}
			batch = append(batch, ioc)
			if len(batch) >= cfg.Processing.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			logger.Warn("ingestion timed out", "processed", processed, "failed", failed)
			return
		}
	}
}

func buildFeeds(client *intel.Client, logger *slog.Logger) []ports.ThreatFeed {
	feeds := []ports.ThreatFeed{
		provider.NewURLHausFeed(client),
		provider.NewListFeed(client, "abusech-feodo",
			"https://feodotracker.abuse.ch/downloads/ipblocklist.txt",
			domain.SeverityHigh, "botnet", "c2"),
		provider.NewListFeed(client, "cins-army",
			"https://cinsscore.com/list/ci-badguys.txt",
			domain.SeverityMedium, "bad-reputation"),
		provider.NewListFeed(client, "digitalside",
			"https://raw.githubusercontent.com/davidonzo/Threat-Intel/master/lists/latestips.txt",
			domain.SeverityMedium, "malware"),
		provider.NewListFeed(client, "tor-exit-nodes",
			"https://check.torproject.org/torbulkexitlist",
			domain.SeverityLow, "anonymization"),
	}
	if key := os.Getenv("PULSE_API_KEY"); key != "" {
		base := getEnv("PULSE_API_URL", "https://otx.alienvault.com")
		feeds = append(feeds, provider.NewPulseFeed(http.DefaultClient, base, key))
	} else {
		logger.Info("pulse feed disabled, set PULSE_API_KEY to enable")
	}
	return feeds
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
