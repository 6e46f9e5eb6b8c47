package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

var statsCmd = &cobra.Command{
	Use:   "stats [directory]",
	Short: "open a data directory and print engine statistics",
	Long: `
Opens the engine, which recovers the directory exactly as an embedding
application would (including replaying and flushing the log), prints its
statistics and closes it cleanly.
`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) (err error) {
	e, err := openEngine(cmd, args)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, e.Close()) }()

	s := e.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:            %s\n", s.ID)
	fmt.Fprintf(out, "last sequence: %d\n", s.LastSequence)
	fmt.Fprintf(out, "manifest:      %d\n", s.ManifestNumber)
	fmt.Fprintf(out, "log number:    %d\n", s.LogNumber)
	fmt.Fprintf(out, "memtable:      %s, %d entries, %d immutable\n",
		humanize.IBytes(uint64(s.MemtableSize)), s.MemtableEntries, s.ImmutableMemtables)
	for _, l := range s.Levels {
		if l.Runs > 0 {
			fmt.Fprintf(out, "L%d:            %d runs, %s\n", l.Level, l.Runs, humanize.IBytes(l.Bytes))
		}
	}
	if s.Fatal != nil {
		fmt.Fprintf(out, "fatal:         %v\n", s.Fatal)
	}
	return nil
}

var compactCmd = &cobra.Command{
	Use:   "compact [directory]",
	Short: "flush and compact a data directory until no level needs work",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompact,
}

func runCompact(cmd *cobra.Command, args []string) (err error) {
	e, err := openEngine(cmd, args)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, e.Close()) }()

	start := time.Now()
	if err := e.CompactContext(cmd.Context()); err != nil {
		return err
	}
	c := e.Stats().Compaction
	fmt.Fprintf(cmd.OutOrStdout(), "%d compactions in %s: read %s, wrote %s, dropped %d tombstones\n",
		c.Compactions, time.Since(start).Round(time.Millisecond),
		humanize.IBytes(uint64(c.BytesRead)), humanize.IBytes(uint64(c.BytesWritten)),
		c.TombstonesDropped)
	return nil
}

var getCmd = &cobra.Command{
	Use:   "get [directory] [key]",
	Short: "print the value of a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	e, err := openEngine(cmd, args)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, e.Close()) }()

	v, err := e.Get([]byte(args[1]))
	if err != nil {
		return err
	}
	if v == nil {
		return errors.Newf("key %q not found", args[1])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", v)
	return nil
}

var scanLimit int

var scanCmd = &cobra.Command{
	Use:   "scan [directory] [start] [end]",
	Short: "print the live keys in [start, end)",
	Long: `
Prints key=value for every live key from start (inclusive) to end
(exclusive). A missing or empty bound is unbounded.
`,
	Args: cobra.RangeArgs(1, 3),
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) (err error) {
	e, err := openEngine(cmd, args)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, e.Close()) }()

	var start, end []byte
	if len(args) > 1 && args[1] != "" {
		start = []byte(args[1])
	}
	if len(args) > 2 && args[2] != "" {
		end = []byte(args[2])
	}

	it, err := e.Scan(start, end)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	n := 0
	for ; it.Valid(); it.Next() {
		if scanLimit > 0 && n >= scanLimit {
			break
		}
		fmt.Fprintf(out, "%s=%s\n", it.Key(), it.Value())
		n++
	}
	return errors.CombineErrors(it.Error(), it.Close())
}

func init() {
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "stop after this many keys (0 for no limit)")
}
