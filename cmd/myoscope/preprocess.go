package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/myoscope/internal/recorder"
)

// preprocessCmd represents the preprocess command
var preprocessCmd = &cobra.Command{
	Use:   "preprocess [raw.csv...]",
	Short: "Expand raw EMG recordings into per-sample CSV files",
	Long: `Decode the EMG rows of raw recordings into two 8-channel samples each.

Every input file is written next to itself with "_emg" before the extension.
Without arguments all raw recordings in the recordings directory are
processed. IMU rows are ignored and malformed EMG rows are skipped.`,
	Example: `  myoscope preprocess recordings/myo_raw_fist_2024-04-05_10-00-00.csv
  myoscope preprocess --dir ./session1`,
	RunE: runPreprocess,
}

var preprocessDir string

func init() {
	preprocessCmd.Flags().StringVar(&preprocessDir, "dir", "", "Directory searched when no files are given (default from config)")
}

func runPreprocess(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if preprocessDir != "" {
		cfg.RecordingsDir = preprocessDir
	}

	files := args
	if len(files) == 0 {
		if files, err = findRawRecordings(cfg.RecordingsDir); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no raw recordings found in %s", cfg.RecordingsDir)
		}
	}
	return preprocessFiles(cmd.OutOrStdout(), files)
}

// findRawRecordings lists raw recordings in dir, leaving out earlier outputs.
func findRawRecordings(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "myo_raw_*.csv"))
	if err != nil {
		return nil, err
	}
	files := matches[:0]
	for _, m := range matches {
		if !strings.HasSuffix(m, "_emg.csv") {
			files = append(files, m)
		}
	}
	return files, nil
}

func preprocessFiles(out io.Writer, files []string) error {
	for _, in := range files {
		dst := recorder.ExpandedPath(in)
		written, skipped, err := recorder.ExpandFile(in, dst)
		if err != nil {
			return fmt.Errorf("preprocess %s: %w", in, err)
		}
		fmt.Fprintf(out, "Processed %s -> %s (%d samples, %d skipped)\n", in, dst, written, skipped)
	}
	return nil
}
