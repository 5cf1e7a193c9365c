package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hrdag/n2s/internal/store"
)

var (
	scanRoot      string
	scanTree      string
	maintainStale time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work queue operations",
}

var queuePopulateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Fill the work queue with paths that still need a blob",
	Long:  "Optionally scans a filesystem tree into the catalog first, then enqueues every path without a blob id that is not recorded missing.",
	RunE:  runQueuePopulate,
}

var queueMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Release stale claims and drop completed queue rows",
	RunE:  runQueueMaintain,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and catalog progress",
	RunE:  runQueueStatus,
}

func init() {
	queueCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "Directory for the catalog database")

	queuePopulateCmd.Flags().StringVar(&scanRoot, "scan", "", "Scan this tree into the catalog before populating")
	queuePopulateCmd.Flags().StringVar(&scanTree, "tree", "", "Tree label recorded for scanned paths")

	queueMaintainCmd.Flags().DurationVar(&maintainStale, "stale-after", 30*time.Minute, "Claims older than this are released")

	queueCmd.AddCommand(queuePopulateCmd, queueMaintainCmd, queueStatusCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueuePopulate(cmd *cobra.Command, args []string) error {
	db, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewStore(db)

	if scanRoot != "" {
		scanned, err := scanInto(st, scanRoot)
		if err != nil {
			return err
		}
		fmt.Printf("scanned %s files from %s\n", humanize.Comma(scanned), scanRoot)
	}

	n, err := st.Populate()
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s paths\n", humanize.Comma(n))
	return nil
}

// scanInto walks root and upserts every regular file into the catalog in
// batches. Device and inode feed identity-based dedup propagation.
func scanInto(st *store.Store, root string) (int64, error) {
	const batchSize = 1000
	var batch []store.FileRecord
	var total int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := st.UpsertFiles(batch); err != nil {
			return err
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan: skipping %s: %v\n", path, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rec := store.FileRecord{
			Path:  rel,
			Size:  info.Size(),
			Mtime: float64(info.ModTime().UnixNano()) / 1e9,
			Tree:  scanTree,
		}
		if sys, ok := info.Sys().(*syscall.Stat_t); ok {
			rec.Device = int64(sys.Dev)
			rec.Inode = int64(sys.Ino)
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, flush()
}

func runQueueMaintain(cmd *cobra.Command, args []string) error {
	db, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewStore(db)

	released, err := st.ResetStaleClaims(maintainStale)
	if err != nil {
		return err
	}
	removed, err := st.RemoveCompleted()
	if err != nil {
		return err
	}
	fmt.Printf("released %d stale claims, removed %d completed rows\n", released, removed)
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	db, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewStore(db)

	stats, err := st.Stats()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "queue total\t%s\n", humanize.Comma(stats.Total))
	fmt.Fprintf(w, "  unclaimed\t%s\n", humanize.Comma(stats.Unclaimed))
	fmt.Fprintf(w, "  claimed\t%s\n", humanize.Comma(stats.Claimed))
	if stats.OldestClaim != nil {
		fmt.Fprintf(w, "  oldest claim\t%s ago\n", time.Since(*stats.OldestClaim).Round(time.Second))
	}
	fmt.Fprintf(w, "catalog completed\t%s\n", humanize.Comma(stats.Completed))
	fmt.Fprintf(w, "catalog pending\t%s\n", humanize.Comma(stats.Pending))
	fmt.Fprintf(w, "catalog missing\t%s\n", humanize.Comma(stats.Missing))
	fmt.Fprintf(w, "catalog skipped\t%s\n", humanize.Comma(stats.Skipped))
	return w.Flush()
}
