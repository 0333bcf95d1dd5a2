package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	blockstore "github.com/luqitao/vitastor"
	"github.com/luqitao/vitastor/internal/meta"
	"github.com/luqitao/vitastor/vfs"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bsformat [command] (flags)",
	Short: "blockstore format tool",
	Long:  ``,
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "initialize a fresh blockstore image from a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := blockstore.LoadOptions(configPath)
		if err != nil {
			return err
		}
		if err := blockstore.Format(o, vfs.Default); err != nil {
			return err
		}
		bitmapBytes := int((o.BlockSize/o.BitmapGranularity + 7) / 8)
		if bitmapBytes == 0 {
			bitmapBytes = 1
		}
		perSector := uint64(int(o.MetaBlockSize) / meta.EntrySize(bitmapBytes))
		if perSector == 0 {
			perSector = 1
		}
		metaSize := (o.DataSize/uint64(o.BlockSize) + perSector - 1) / perSector * uint64(o.MetaBlockSize)
		fmt.Printf("formatted %s: data %s, meta %s, journal %s\n",
			o.DataDevice,
			humanize.IBytes(o.DataSize),
			humanize.IBytes(metaSize),
			humanize.IBytes(o.JournalSize))
		return nil
	},
}

func main() {
	log.SetFlags(0)
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(formatCmd)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the blockstore YAML config")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
