// Command lsmkv inspects and operates on lsmkv data directories.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/pkg/config"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/lsm"
)

// Build-time variables (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

var (
	configPath   string
	logLevel     string
	memtableSize config.ByteSize
)

var _ pflag.Value = (*config.ByteSize)(nil)

var rootCmd = &cobra.Command{
	Use:   "lsmkv",
	Short: "inspect and operate on lsmkv data directories",
	Long: `
lsmkv works directly on a data directory. Commands that open the engine
(stats, compact, get, scan) take the directory lock and fail if another
process holds it; the inspection commands only read files.
`,
	Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, Commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	f.StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	f.Var(&memtableSize, "memtable-size", "memtable size threshold, e.g. 8MiB (overrides config)")

	rootCmd.AddCommand(
		manifestCmd,
		sstableCmd,
		walCmd,
		statsCmd,
		compactCmd,
		getCmd,
		scanCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig returns the --config file, or the defaults, with DataDir set
// to dir.
func loadConfig(dir string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	cfg.DataDir = dir
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if memtableSize != 0 {
		cfg.MemtableSizeThreshold = memtableSize
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: logging.Format(cfg.Logging.Format),
		Output: cmd.ErrOrStderr(),
	})
}

// openEngine opens the engine on the single directory argument.
func openEngine(cmd *cobra.Command, args []string) (*lsm.Engine, error) {
	if len(args) < 1 {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "data directory required")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	opts, err := lsm.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	e, err := lsm.Open(opts)
	if lsm.IsLocked(err) {
		return nil, errors.Wrapf(err, "%s is in use by another process", args[0])
	}
	return e, err
}
