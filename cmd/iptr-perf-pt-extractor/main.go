// Command iptr-perf-pt-extractor extracts the raw Intel PT AUX payloads from
// a perf.data file into individual .bin files.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"iptrace/internal/perfdata"
)

var (
	input     string
	outputDir string
	firstOnly bool
	verbose   bool
)

func init() {
	rootCmd.Flags().StringVarP(&input, "input", "i", "", "Path of perf.data")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory")
	rootCmd.Flags().BoolVar(&firstOnly, "first-only", false, "Extract only the first AUX payload")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.MarkFlagRequired("input")
	rootCmd.MarkFlagRequired("output")
}

var rootCmd = &cobra.Command{
	Use:           "iptr-perf-pt-extractor",
	Short:         "Extract Intel PT aux data from perf.data",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}

		buf, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}

		auxtraces, err := perfdata.ExtractAuxtraces(buf)
		if err != nil {
			return fmt.Errorf("failed to parse perf.data format: %w", err)
		}
		if len(auxtraces) == 0 {
			log.Warn("no AUX payloads found")
		}

		origin := filepath.Base(input)
		for _, aux := range auxtraces {
			target := filepath.Join(outputDir, fmt.Sprintf("%s-aux-idx%d.bin", origin, aux.Idx))
			if err := os.WriteFile(target, aux.Data, 0o644); err != nil {
				return fmt.Errorf("failed to write auxtrace data: %w", err)
			}
			log.Infof("extracted %s (%d bytes)", target, len(aux.Data))
			if firstOnly {
				break
			}
		}

		return nil
	},
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
