package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	blockstore "github.com/luqitao/vitastor"
	"github.com/luqitao/vitastor/vfs"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bsctl [command] (flags)",
	Short: "blockstore control/introspection tool",
	Long:  ``,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list (object, version) pairs known to the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		for _, ov := range e.List(blockstore.ListFilter{}) {
			fmt.Printf("%s\n", ov)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "fsync every outstanding write",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Sync()
	},
}

var stabilizeCmd = &cobra.Command{
	Use:   "stabilize inode:stripe:version [...]",
	Short: "mark one or more (object, version) pairs as durably final",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		targets, err := parseObjVers(args)
		if err != nil {
			return err
		}
		return e.Stabilize(targets)
	},
}

func openEngine() (*blockstore.Engine, error) {
	o, err := blockstore.LoadOptions(configPath)
	if err != nil {
		return nil, err
	}
	return blockstore.Open(o, vfs.Default)
}

func parseObjVers(args []string) ([]blockstore.ObjVer, error) {
	out := make([]blockstore.ObjVer, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bsctl: %q is not inode:stripe:version", arg)
		}
		inode, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, err
		}
		stripe, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, err
		}
		version, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, blockstore.ObjVer{
			OID:     blockstore.ObjectID{Inode: inode, Stripe: stripe},
			Version: version,
		})
	}
	return out, nil
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "report allocator and dirty-index occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		free, total := e.DataFree(), e.DataTotal()
		fmt.Printf("data: %s free of %s\n", humanize.IBytes(free), humanize.IBytes(total))
		fmt.Printf("dirty entries: %d\n", e.DirtyCount())
		return nil
	},
}

func main() {
	log.SetFlags(0)
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(listCmd, syncCmd, stabilizeCmd, statCmd)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the blockstore YAML config")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
