// Command iptr-perf-memory-extractor converts the memory mappings recorded
// in a perf.data file into a libxdc-format page dump and page address list.
package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"iptrace/common"
	"iptrace/internal/libxdc"
	"iptrace/internal/perfdata"
)

var (
	input        string
	pageDumpPath string
	pageAddrPath string
	verbose      bool
)

func init() {
	rootCmd.Flags().StringVarP(&input, "input", "i", "", "Path of Intel PT trace in perf.data format")
	rootCmd.Flags().StringVar(&pageDumpPath, "page-dump", "", "Path for the generated page dump")
	rootCmd.Flags().StringVar(&pageAddrPath, "page-addr", "", "Path for the generated page address list")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.MarkFlagRequired("input")
	rootCmd.MarkFlagRequired("page-dump")
	rootCmd.MarkFlagRequired("page-addr")
}

var rootCmd = &cobra.Command{
	Use:           "iptr-perf-memory-extractor",
	Short:         "Create a libxdc-compatible memory dump from perf.data",
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

		_, mmaps, err := perfdata.ExtractAuxtracesAndMmaps(buf)
		if err != nil {
			return fmt.Errorf("failed to parse perf.data format: %w", err)
		}

		reader, err := perfdata.NewMmapMemoryReader(mmaps, logger)
		if err != nil {
			return fmt.Errorf("failed to create memory reader: %w", err)
		}
		defer reader.Close()

		dumpFile, err := os.Create(pageDumpPath)
		if err != nil {
			return fmt.Errorf("failed to create page dump file: %w", err)
		}
		defer dumpFile.Close()
		addrFile, err := os.Create(pageAddrPath)
		if err != nil {
			return fmt.Errorf("failed to create page addr file: %w", err)
		}
		defer addrFile.Close()

		dump := bufio.NewWriter(dumpFile)
		addrs := bufio.NewWriter(addrFile)

		page := make([]byte, libxdc.PageSize)
		pages := 0
		for _, region := range reader.Entries() {
			log.Infof("writing mapped entry at %#x with size %#x", region.Addr, region.Len)
			for off := uint64(0); off < region.Len; off += libxdc.PageSize {
				// The final page of a region is zero padded
				clear(page)
				n, err := reader.ReadMemory(region.Addr+off, page)
				if err != nil {
					return fmt.Errorf("read 0x%x: %w", region.Addr+off, err)
				}
				if n == 0 {
					break
				}
				if _, err := dump.Write(page); err != nil {
					return fmt.Errorf("failed to write to page dump file: %w", err)
				}
				var addrBytes [8]byte
				binary.LittleEndian.PutUint64(addrBytes[:], region.Addr+off)
				if _, err := addrs.Write(addrBytes[:]); err != nil {
					return fmt.Errorf("failed to write to page addr file: %w", err)
				}
				pages++
			}
		}

		if err := dump.Flush(); err != nil {
			return err
		}
		if err := addrs.Flush(); err != nil {
			return err
		}
		log.Infof("wrote %d pages", pages)
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
