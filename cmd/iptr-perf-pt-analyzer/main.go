// Command iptr-perf-pt-analyzer decodes the Intel PT streams in a perf.data
// file, reconstructing every basic-block transition against the recorded
// binaries.
package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"iptrace/common"
	"iptrace/edge"
	"iptrace/fuzzbitmap"
	"iptrace/internal/perfdata"
	"iptrace/printer"
	"iptrace/pt"
)

var (
	input      string
	strict     bool
	verbose    bool
	useCache   bool
	bitmapSize int
	printPkts  bool
)

func init() {
	rootCmd.Flags().StringVarP(&input, "input", "i", "", "Path of Intel PT trace in perf.data format")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "Fail on unknown opcodes instead of resyncing")
	rootCmd.Flags().BoolVar(&useCache, "cache", false, "Enable the trace cache")
	rootCmd.Flags().IntVar(&bitmapSize, "bitmap-size", 0, "Maintain a coverage bitmap of this size (power of two)")
	rootCmd.Flags().BoolVar(&printPkts, "print-packets", false, "Print every decoded packet")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.MarkFlagRequired("input")
}

var rootCmd = &cobra.Command{
	Use:           "iptr-perf-pt-analyzer",
	Short:         "Decode the Intel PT trace with semantic validation",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		logger := common.NewApexLogger(log.Log)

		buf, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}

		auxtraces, mmaps, err := perfdata.ExtractAuxtracesAndMmaps(buf)
		if err != nil {
			return fmt.Errorf("failed to parse perf.data format: %w", err)
		}
		if len(auxtraces) == 0 {
			return fmt.Errorf("no Intel PT AUX payloads in %s", input)
		}

		reader, err := perfdata.NewMmapMemoryReader(mmaps, logger)
		if err != nil {
			return fmt.Errorf("failed to create memory reader: %w", err)
		}
		defer reader.Close()

		var handler common.ControlFlowHandler = common.NewLogControlFlowHandler(logger)
		var bitmap *fuzzbitmap.Handler
		if bitmapSize > 0 {
			bitmap, err = fuzzbitmap.New(make([]byte, bitmapSize))
			if err != nil {
				return err
			}
			handler = bitmap
		}

		analyzer := edge.NewAnalyzer(handler, reader, edge.Config{
			Logger:      logger,
			EnableCache: useCache,
		})

		var pktHandler pt.Handler = analyzer
		if printPkts {
			pktHandler = pt.NewCombinedHandler(printer.NewPacketPrinter(os.Stdout), analyzer)
		}

		opts := pt.DecodeOptions{Strict: strict, MoreDiagnostics: true}
		for _, aux := range auxtraces {
			diag, err := pt.Decode(aux.Data, opts, pktHandler)
			if err != nil {
				return fmt.Errorf("aux idx %d: %w", aux.Idx, err)
			}
			if diag.ResyncSkippedBytes > 0 {
				log.Warnf("aux idx %d: resynced %d times, %d bytes skipped",
					aux.Idx, diag.ResyncCount, diag.ResyncSkippedBytes)
			}
		}

		reportDiagnose(analyzer, bitmap)
		return nil
	},
}

func reportDiagnose(analyzer *edge.Analyzer, bitmap *fuzzbitmap.Handler) {
	d := analyzer.Diagnose()
	log.Infof("CFG size %d", d.CFGSize)
	log.Infof("conditional branches %d (TNT bits consumed %d)", d.CondBranches, d.TNTConsumed)
	if useCache {
		log.Infof("trace cache: %d entries, %d hits, %d misses", d.CacheEntries, d.CacheHits, d.CacheMisses)
	}
	if d.LeftoverTNTBits > 0 {
		log.Warnf("%d TNT bits left unconsumed at trace end", d.LeftoverTNTBits)
	}
	if bitmap != nil {
		bd := bitmap.Diagnose()
		log.Infof("bitmap: %d of %d bytes touched", bd.NonZeroBytes, bd.Size)
	}
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
