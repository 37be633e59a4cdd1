package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/franksops/blobshift/config"
	"github.com/franksops/blobshift/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v       *viper.Viper
	cfgFile string
	tui     bool

	cfg    *config.Config
	logger *zap.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:   "blobshift",
		Short: "Resumable blob migration between object stores",
		Long: `blobshift copies every object of a source container into a destination
bucket. Listing progress and per-object state live in a record store so an
interrupted migration resumes where it stopped and re-runs only move what
changed.`,
		Example: `blobshift run --config blobshift.yaml
blobshift stats --store bolt --dsn ./.blobshift/state.db`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Path to a YAML, TOML or JSON config file")
	flags.String("store", "", "Record store backend (memory, bolt or postgres)")
	flags.String("dsn", "", "Record store path or connection string")
	flags.String("log-level", "", "Log level (debug, info, warn or error)")
	flags.String("log-file", "", "Write logs to this file instead of stderr")

	cmd.AddCommand(
		newListCmd(a),
		newWorkCmd(a),
		newRunCmd(a),
		newStatsCmd(a),
		newServeCmd(a),
	)
	return cmd
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"store":       "store.backend",
	"dsn":         "store.dsn",
	"log-level":   "log.level",
	"log-file":    "log.file",
	"workers":     "worker.count",
	"page-size":   "lister.page_size",
	"status-addr": "status.addr",
}

func (a *app) load(cmd *cobra.Command) error {
	// Bind against the command being run; several subcommands define the
	// same flag and only one of them may own the key.
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// The dashboard owns the terminal, so logs only go somewhere when a
	// file is configured.
	if a.tui && cfg.Log.File == "" {
		a.logger = zap.NewNop()
		return nil
	}

	logger, err := logging.New(logging.Options{
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
		File:  cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.logger = logger
	return nil
}

// addWorkerFlags registers flags shared by the commands that transfer.
func (a *app) addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 0, "Number of concurrent transfer workers")
	cmd.Flags().BoolVar(&a.tui, "tui", false, "Show the interactive dashboard")
}

// addListerFlags registers flags shared by the commands that list.
func (a *app) addListerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("page-size", 0, "Objects requested per listing page")
}

// addStatusFlags registers the status server address flag.
func (a *app) addStatusFlags(cmd *cobra.Command) {
	cmd.Flags().String("status-addr", "", "Status server listen address, empty to disable")
}
