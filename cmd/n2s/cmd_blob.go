package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hrdag/n2s/internal/blob"
)

var (
	blobRoot string
	noVerify bool
)

var blobifyCmd = &cobra.Command{
	Use:   "blobify <file>...",
	Short: "Encode files into blob artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBlobify,
}

var deblobifyCmd = &cobra.Command{
	Use:   "deblobify <artifact> <output>",
	Short: "Restore a file from a blob artifact",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeblobify,
}

func init() {
	blobifyCmd.Flags().StringVar(&blobRoot, "out", ".", "Root directory for encoded artifacts")
	deblobifyCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip hash verification of the decoded content")
	rootCmd.AddCommand(blobifyCmd, deblobifyCmd)
}

func runBlobify(cmd *cobra.Command, args []string) error {
	for _, src := range args {
		id, err := blob.EncodeFile(src, blobRoot)
		if err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		fmt.Printf("%s\t%s\n", id, filepath.Join(blobRoot, blob.ShardPath(id)))
	}
	return nil
}

func runDeblobify(cmd *cobra.Command, args []string) error {
	return blob.RestoreFile(args[0], args[1], !noVerify)
}
