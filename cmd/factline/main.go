// Package main implements the factline binary: it replays a stream of
// raw telemetry records from an NDJSON file (or stdin) through the full
// pipeline and reports per-record outcomes plus a batch summary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/factline/factline/internal/aggregate"
	"github.com/factline/factline/internal/archive"
	"github.com/factline/factline/internal/config"
	"github.com/factline/factline/internal/enrich"
	"github.com/factline/factline/internal/observability"
	"github.com/factline/factline/internal/pipeline"
	"github.com/factline/factline/internal/storage"
	"github.com/factline/factline/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		inputFile   string
		batchSize   int
		metricsAddr string
		verbose     bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&inputFile, "input", "-", "NDJSON file of raw records to replay (- for stdin)")
	flag.IntVar(&batchSize, "batch-size", 500, "Records per pipeline batch")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Factline - Telemetry Ingestion and Aggregation Pipeline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: factline [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  factline --input records.ndjson --data-dir /data/factline\n")
		fmt.Fprintf(os.Stderr, "  cat records.ndjson | factline --config /etc/factline/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FACTLINE_DATA_DIR              Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  FACTLINE_STORAGE_TYPE          Archive storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  FACTLINE_S3_BUCKET             S3 bucket for archive batches\n")
		fmt.Fprintf(os.Stderr, "  FACTLINE_PIPELINE_TIME_BUCKET  Aggregation bucket width (hour, day)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("factline version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Optional .env for local development; a missing file is not an error.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		logger.WithError(err).Fatal("failed to create data directories")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, registry, logger)
	}

	runner, err := buildPipeline(ctx, cfg, metrics, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build pipeline")
	}
	defer runner.Close()

	input, err := openInput(inputFile)
	if err != nil {
		logger.WithError(err).Fatal("failed to open input")
	}
	defer input.Close()

	summary, err := replay(ctx, runner, input, batchSize, logger)
	if err != nil {
		logger.WithError(err).Fatal("replay failed")
	}

	fmt.Printf("records=%d ok=%d retry=%d dead_letter=%d elapsed=%s\n",
		summary.records, summary.ok, summary.retry, summary.deadLetter, summary.elapsed)
	if summary.retry > 0 {
		os.Exit(1)
	}
}

// loadConfig merges file, environment, and flag configuration, in that
// order of increasing precedence.
func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pipelineRunner bundles the orchestrator with the stores it owns.
type pipelineRunner struct {
	orchestrator *pipeline.Orchestrator
	aggStore     *aggregate.SQLiteStore
	assignStore  *enrich.SQLiteAssignmentStore
}

func (r *pipelineRunner) Close() {
	if r.assignStore != nil {
		_ = r.assignStore.Close()
	}
	if r.aggStore != nil {
		_ = r.aggStore.Close()
	}
}

// buildPipeline constructs the stores and stages from configuration.
func buildPipeline(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *logrus.Logger) (*pipelineRunner, error) {
	objStore, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	aggStore, err := aggregate.NewSQLiteStore(cfg.Aggregation.DBPath)
	if err != nil {
		return nil, fmt.Errorf("aggregation store: %w", err)
	}

	assignStore, err := enrich.NewSQLiteAssignmentStore(cfg.Aggregation.AssignmentDBPath)
	if err != nil {
		aggStore.Close()
		return nil, fmt.Errorf("assignment store: %w", err)
	}

	enricher := enrich.NewEnricher(assignStore, cfg.Pipeline.EnrichTimeout, logger)
	aggregator := aggregate.NewAggregator(aggStore, cfg.Pipeline.TimeBucket,
		cfg.Aggregation.RetryAttempts, cfg.Aggregation.RetryBackoff, logger)

	archiver := archive.NewArchiver(objStore, archive.Config{
		MaxBatchBytes:  cfg.Archive.MaxBatchBytes,
		MaxBatchEvents: cfg.Archive.MaxBatchEvents,
		RetryAttempts:  cfg.Archive.RetryAttempts,
		RetryBackoff:   cfg.Archive.RetryBackoff,
		Prefix:         cfg.Archive.Prefix,
		Bucket:         cfg.Pipeline.TimeBucket,
	}, logger, metrics)

	sink := pipeline.NewObjectSink(objStore, "", logger)

	orchestrator := pipeline.NewOrchestrator(enricher, aggregator, archiver, sink, metrics, logger, pipeline.Options{
		Workers:       cfg.Pipeline.Workers,
		BatchDeadline: cfg.Pipeline.BatchDeadline,
	})

	return &pipelineRunner{
		orchestrator: orchestrator,
		aggStore:     aggStore,
		assignStore:  assignStore,
	}, nil
}

// buildObjectStore selects the archive backend from configuration.
func buildObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Type {
	case "s3":
		return storage.NewS3Store(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	case "local", "":
		return storage.NewLocalStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// replaySummary accumulates per-outcome counts across batches.
type replaySummary struct {
	records    int
	ok         int
	retry      int
	deadLetter int
	elapsed    time.Duration
}

// replay reads raw records line by line and feeds them through the
// pipeline in bounded batches.
func replay(ctx context.Context, runner *pipelineRunner, input io.Reader, batchSize int, logger *logrus.Logger) (*replaySummary, error) {
	if batchSize < 1 {
		batchSize = 500
	}

	summary := &replaySummary{}
	start := time.Now()
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var batch []types.RawRecord
	batchNum := 0
	lineNum := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		batchNum++
		batchID := fmt.Sprintf("replay-%d", batchNum)
		outcomes := runner.orchestrator.ProcessBatch(ctx, batchID, batch)
		for _, outcome := range outcomes {
			summary.records++
			switch outcome.Status {
			case types.StatusOK:
				summary.ok++
			case types.StatusRetry:
				summary.retry++
				logger.WithFields(logrus.Fields{
					"sequence": outcome.SequenceNumber,
					"reason":   outcome.Reason,
				}).Warn("record needs redelivery")
			case types.StatusDeadLetter:
				summary.deadLetter++
			}
		}
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record types.RawRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("line %d: invalid raw record: %w", lineNum, err)
		}
		if record.ArrivalTime.IsZero() {
			record.ArrivalTime = time.Now().UTC()
		}

		batch = append(batch, record)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	summary.elapsed = time.Since(start).Round(time.Millisecond)
	return summary, nil
}

// openInput opens the replay source; "-" means stdin.
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string, registry *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Warn("metrics server stopped")
	}
}
