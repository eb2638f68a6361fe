// Command dlsmctl is a small operator CLI for exercising an Engine against
// a loopback transport: open, put, get, compact-range, and stats.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dlsm-io/dlsm"
	"github.com/dlsm-io/dlsm/rdmatransport"
	"github.com/dlsm-io/dlsm/snapshot"
	"github.com/spf13/cobra"
)

var (
	windowSize uint64
	nodeName   string
)

func main() {
	root := &cobra.Command{
		Use:   "dlsmctl",
		Short: "Operate a dLSM engine backed by a loopback RDMA transport",
	}
	root.PersistentFlags().Uint64Var(&windowSize, "window-size", dlsm.DefaultMemTableWindowSize, "memtable sequence window size")
	root.PersistentFlags().StringVar(&nodeName, "node", "local-0", "memory node name for the loopback transport")

	root.AddCommand(newPutCmd(), newGetCmd(), newScanCmd(), newStatsCmd(), newCompactRangeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openEngine starts a fresh, process-local Engine. dlsmctl is a
// demonstration/debugging tool: it does not persist across invocations,
// since durability belongs to whatever Transport implementation a real
// deployment supplies.
func openEngine() (*dlsm.Engine, error) {
	opts := dlsm.DefaultOptions()
	opts.MemTableWindowSize = windowSize
	opts.Transport = rdmatransport.NewLoopback()
	opts.StorageNode = rdmatransport.NodeID(nodeName)
	return dlsm.Open(opts)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a single key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			seq, err := e.Put([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("ok, sequence=%d\n", seq)
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read the latest visible value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			val, err := e.Get([]byte(args[0]), snapshot.Snapshot{})
			if err != nil {
				return err
			}
			fmt.Println(string(val))
			return nil
		},
	}
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Print every visible key/value pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			it, err := e.NewIterator(snapshot.Snapshot{})
			if err != nil {
				return err
			}
			defer it.Close()

			for it.SeekToFirst(); it.Valid(); it.Next() {
				fmt.Printf("%s=%s\n", it.Key(), it.Value())
			}
			return it.Err()
		},
	}
}

func newCompactRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact-range <start> <limit>",
		Short: "Request compaction over a key range (not supported in this build)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close(context.Background())
			return e.CompactRange([]byte(args[0]), []byte(args[1]))
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print a resource report for a freshly opened, empty engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close(context.Background())
			fmt.Print(e.DebugResourceReport())
			return nil
		},
	}
}
