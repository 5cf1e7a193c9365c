package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hrdag/n2s/internal/pipeline"
	"github.com/hrdag/n2s/internal/store"
	"github.com/hrdag/n2s/internal/transfer"
	"github.com/hrdag/n2s/internal/tuner"
)

var (
	dataDir    string
	sourceRoot string
	stagingDir string
	remote     string
	sshPort    int

	hashWorkers     int
	compressWorkers int
	uploadWorkers   int
	maxWorkers      int
	diskLimit       int
	diskMaxLimit    int
	inlineMaxStr    string
	rereadMaxStr    string

	uploadBatchSize int
	uploadMaxAge    time.Duration
	uploadTimeout   time.Duration
	staleAfter      time.Duration

	metricsBind string

	tuneEnabled  bool
	tuneLogPath  string
	memBudgetStr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the archiver pipeline",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the catalog database")
	runCmd.Flags().StringVar(&sourceRoot, "source", "", "Archive root that queue paths are relative to (required)")
	runCmd.Flags().StringVar(&stagingDir, "staging", "", "Local staging directory for encoded blobs (required)")
	runCmd.Flags().StringVar(&remote, "remote", "", "Blob store destination: rsync remote (user@host:/path) or local directory (required)")
	runCmd.Flags().IntVar(&sshPort, "ssh-port", 22, "SSH port for rsync transfers")

	runCmd.Flags().IntVar(&hashWorkers, "hash-workers", 4, "Initial hash stage pool size")
	runCmd.Flags().IntVar(&compressWorkers, "compress-workers", 2, "Initial compress stage pool size")
	runCmd.Flags().IntVar(&uploadWorkers, "upload-workers", 1, "Initial concurrent upload batches")
	runCmd.Flags().IntVar(&maxWorkers, "max-workers", 16, "Per-stage worker ceiling")
	runCmd.Flags().IntVar(&diskLimit, "disk-limit", 4, "Initial concurrent source-disk readers")
	runCmd.Flags().IntVar(&diskMaxLimit, "disk-max", 16, "Ceiling for concurrent source-disk readers")
	runCmd.Flags().StringVar(&inlineMaxStr, "inline-max", "4MiB", "Files up to this size are carried in memory between stages")
	runCmd.Flags().StringVar(&rereadMaxStr, "reread-max", "64MiB", "Files up to this size are re-read at compress time; larger files stream")

	runCmd.Flags().IntVar(&uploadBatchSize, "upload-batch", 200, "Staged files per transfer batch")
	runCmd.Flags().DurationVar(&uploadMaxAge, "upload-max-age", time.Minute, "Send a partial batch after this long")
	runCmd.Flags().DurationVar(&uploadTimeout, "upload-timeout", 10*time.Minute, "Per-batch transfer timeout")
	runCmd.Flags().DurationVar(&staleAfter, "stale-after", 30*time.Minute, "Claims older than this are forcibly released")

	runCmd.Flags().StringVar(&metricsBind, "metrics-bind", "", "Bind address for the Prometheus metrics endpoint (empty disables)")

	runCmd.Flags().BoolVar(&tuneEnabled, "tune", true, "Enable the auto-tuning controller")
	runCmd.Flags().StringVar(&tuneLogPath, "tune-log", "", "JSONL log of tuning actions (empty disables)")
	runCmd.Flags().StringVar(&memBudgetStr, "memory-budget", "2GiB", "Heap size above which inline payloads shrink")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if sourceRoot == "" || stagingDir == "" || remote == "" {
		return fmt.Errorf("--source, --staging, and --remote are required")
	}
	inlineMax, err := humanize.ParseBytes(inlineMaxStr)
	if err != nil {
		return fmt.Errorf("parse --inline-max: %w", err)
	}
	rereadMax, err := humanize.ParseBytes(rereadMaxStr)
	if err != nil {
		return fmt.Errorf("parse --reread-max: %w", err)
	}
	memBudget, err := humanize.ParseBytes(memBudgetStr)
	if err != nil {
		return fmt.Errorf("parse --memory-budget: %w", err)
	}

	db, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewStore(db)

	var tr transfer.Transferer
	if strings.Contains(remote, ":") {
		tr = &transfer.Rsync{Remote: remote, SSHPort: sshPort, Timeout: uploadTimeout}
	} else {
		tr = &transfer.Local{Root: remote}
	}

	cfg := pipeline.DefaultConfig()
	cfg.SourceRoot = sourceRoot
	cfg.StagingDir = stagingDir
	cfg.HashWorkers = hashWorkers
	cfg.CompressWorkers = compressWorkers
	cfg.UploadWorkers = uploadWorkers
	cfg.MaxWorkers = maxWorkers
	cfg.DiskLimit = diskLimit
	cfg.DiskMaxLimit = diskMaxLimit
	cfg.InlineMax = int64(inlineMax)
	cfg.RereadMax = int64(rereadMax)
	cfg.UploadBatchSize = uploadBatchSize
	cfg.UploadMaxAge = uploadMaxAge
	cfg.StaleClaimAfter = staleAfter

	metrics := &pipeline.Metrics{}
	p := pipeline.New(cfg, st, tr, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsBind != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
			metrics.WritePrometheus(w)
		})
		srv := &http.Server{Addr: metricsBind, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		slog.Info("metrics endpoint listening", "addr", metricsBind)
	}

	if tuneEnabled {
		tcfg := tuner.DefaultConfig()
		tcfg.MemoryBudget = memBudget
		tcfg.LogPath = tuneLogPath
		tn, err := tuner.New(tcfg, p)
		if err != nil {
			return fmt.Errorf("start tuner: %w", err)
		}
		go tn.Run(ctx)
	}

	slog.Info("pipeline starting",
		"source", sourceRoot,
		"staging", stagingDir,
		"remote", remote,
		"hash_workers", hashWorkers,
		"compress_workers", compressWorkers)
	return p.Run(ctx)
}
