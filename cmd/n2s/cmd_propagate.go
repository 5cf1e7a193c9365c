package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hrdag/n2s/internal/store"
)

var propagateBatch int

var propagateCmd = &cobra.Command{
	Use:   "propagate",
	Short: "Copy blob ids to known-duplicate catalog rows",
	Long:  "Runs the dedup propagation passes (by content hash, then by tree/device/inode identity) in small idempotent batches until both converge.",
	RunE:  runPropagate,
}

func init() {
	propagateCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the catalog database")
	propagateCmd.Flags().IntVar(&propagateBatch, "batch", 500, "Rows updated per pass")
	rootCmd.AddCommand(propagateCmd)
}

func runPropagate(cmd *cobra.Command, args []string) error {
	db, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewStore(db)

	var byHash, byIdentity int64
	for {
		n, err := st.PropagateByHash(propagateBatch)
		if err != nil {
			return err
		}
		byHash += n

		m, err := st.PropagateByIdentity(propagateBatch)
		if err != nil {
			return err
		}
		byIdentity += m

		if n == 0 && m == 0 {
			break
		}
	}

	fmt.Printf("propagated %s rows by hash, %s rows by identity\n",
		humanize.Comma(byHash), humanize.Comma(byIdentity))
	return nil
}
