package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/types"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

var manifestEdits bool

var manifestCmd = &cobra.Command{
	Use:   "manifest [directory]",
	Short: "print the current version of a data directory",
	Long: `
Replays the manifest named by CURRENT and prints the runs of every level.
With --edits, every edit is printed as it is read.
`,
	Args: cobra.ExactArgs(1),
	RunE: runManifest,
}

func runManifest(cmd *cobra.Command, args []string) error {
	dir := args[0]
	out := cmd.OutOrStdout()

	if manifestEdits {
		num, err := manifest.ReadCurrent(dir)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, utils.ManifestName(num))
		i := 0
		err = manifest.ReadManifest(path, func(edit *manifest.VersionEdit) error {
			i++
			fmt.Fprintf(out, "edit %d: %s\n", i, edit)
			return nil
		})
		if err != nil {
			return err
		}
	}

	vs := manifest.New(manifest.Options{Dir: dir})
	defer vs.Close()
	stats, err := vs.Recover()
	if err != nil {
		return err
	}
	v := vs.Current()
	defer v.Unref()

	fmt.Fprintf(out, "manifest:      %s (%d edits)\n", utils.ManifestName(stats.ManifestNum), stats.Edits)
	fmt.Fprintf(out, "last sequence: %d\n", vs.LastSequence())
	fmt.Fprintf(out, "log number:    %d\n", vs.LogNumber())
	fmt.Fprintf(out, "runs:          %d\n", v.TotalFiles())
	for level := range v.Files {
		if n := v.NumFiles(level); n > 0 {
			fmt.Fprintf(out, "L%d: %d runs, %s\n", level, n, humanize.IBytes(v.LevelSize(level)))
		}
	}
	fmt.Fprint(out, v.String())
	return nil
}

var (
	sstableLimit  int
	sstableVerify bool
)

var sstableCmd = &cobra.Command{
	Use:   "sstable [file]",
	Short: "print the properties and entries of a sorted run",
	Args:  cobra.ExactArgs(1),
	RunE:  runSSTable,
}

func runSSTable(cmd *cobra.Command, args []string) error {
	path := args[0]
	_, num, _ := utils.ParseFileName(filepath.Base(path))
	r, err := sstable.Open(path, num)
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	p := r.Properties()
	fmt.Fprintf(out, "file:        %s (%s)\n", path, humanize.IBytes(uint64(r.Size())))
	fmt.Fprintf(out, "entries:     %d (%d tombstones)\n", p.EntryCount, p.TombstoneCount)
	fmt.Fprintf(out, "blocks:      %d\n", p.DataBlocks)
	fmt.Fprintf(out, "raw size:    keys %s, values %s\n",
		humanize.IBytes(p.RawKeySize), humanize.IBytes(p.RawValueSize))
	fmt.Fprintf(out, "sequence:    [%d, %d]\n", p.MinSeqNum, p.MaxSeqNum)
	fmt.Fprintf(out, "key range:   [%q, %q]\n", p.SmallestKey, p.LargestKey)
	fmt.Fprintf(out, "compression: %s\n", p.Compression)

	if sstableVerify {
		if err := r.Verify(); err != nil {
			return err
		}
		fmt.Fprintln(out, "verify:      ok")
	}
	if sstableLimit == 0 {
		return nil
	}

	it := r.NewIterator()
	defer it.Close()
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if sstableLimit > 0 && n >= sstableLimit {
			fmt.Fprintf(out, "... %d more\n", p.EntryCount-uint64(n))
			break
		}
		printEntry(out, it.Entry())
		n++
	}
	return it.Error()
}

var walLimit int

var walCmd = &cobra.Command{
	Use:   "wal [file]",
	Short: "print the entries of a write-ahead log segment",
	Long: `
Prints the entries of one log segment in order. Damage anywhere in the
segment, a torn final record included, is reported as an error after the
entries before it have been printed.
`,
	Args: cobra.ExactArgs(1),
	RunE: runWAL,
}

func runWAL(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	n := 0
	err := wal.ReadFile(args[0], func(e *types.Entry) error {
		if walLimit < 0 || n < walLimit {
			printEntry(out, e)
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d entries\n", n)
	return nil
}

func printEntry(w io.Writer, e *types.Entry) {
	if e.IsDeleted() {
		fmt.Fprintf(w, "%q #%d DEL\n", e.Key, e.SeqNum)
		return
	}
	fmt.Fprintf(w, "%q #%d = %s\n", e.Key, e.SeqNum, quoteValue(e.Value))
}

// quoteValue shortens long values so dumps stay readable.
func quoteValue(v []byte) string {
	const limit = 64
	if len(v) <= limit {
		return strconv.Quote(string(v))
	}
	return strconv.Quote(string(v[:limit])) + fmt.Sprintf("... (%s)", humanize.IBytes(uint64(len(v))))
}

func init() {
	manifestCmd.Flags().BoolVar(&manifestEdits, "edits", false, "print every manifest edit")
	sstableCmd.Flags().IntVar(&sstableLimit, "limit", 100, "entries to print (-1 for all, 0 for none)")
	sstableCmd.Flags().BoolVar(&sstableVerify, "verify", false, "check every block checksum")
	walCmd.Flags().IntVar(&walLimit, "limit", -1, "entries to print (-1 for all)")
}
