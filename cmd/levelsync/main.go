package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/levelsync/internal/config"
	"github.com/schaermu/levelsync/internal/snapshot"
	"github.com/schaermu/levelsync/internal/store"
	"github.com/schaermu/levelsync/internal/sync"
	"github.com/schaermu/levelsync/internal/vcs"
	"github.com/schaermu/levelsync/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Run flags shared by sync and watch
	vcsMode    string
	commitDump bool
	scratchDir string
	dryRun     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "levelsync",
	Short: "Dump LevelDB macro stores into a directory tree",
	Long: `levelsync reads the folder and macro stores of a running application
without disturbing it and mirrors them into a plain directory tree, one file
per macro, so they can be versioned and reviewed.

A dump is only rewritten when the stores changed since the last run.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [<source> <target>]",
	Short: "Update the dump once",
	Long: `Sync fingerprints the stores in <source> and, if they changed since the
dump in <target> was written, rebuilds the dump from an unlocked copy of the
stores. Entries in <target> that are not part of the dump are removed.

<source> and <target> default to paths.source_dir and paths.target_dir from
the config file.`,
	Args: pathArgs,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch [<source> <target>]",
	Short: "Keep the dump up to date while the stores change",
	Long: `Watch performs a sync and then syncs again whenever the stores in <source>
change, until interrupted.`,
	Args: pathArgs,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "levelsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/levelsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	addRunFlags(syncCmd.Flags())
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	addRunFlags(watchCmd.Flags())

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&vcsMode, "vcs", "", "version control of the target: none, git or auto (default auto, env "+config.EnvVCS+")")
	fs.BoolVar(&commitDump, "commit", false, "commit the updated dump (git mode only)")
	fs.StringVar(&scratchDir, "scratch-dir", "", "directory for unlocked store copies (default is the system temp dir)")
}

func pathArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 2 {
		return fmt.Errorf("expected <source> and <target>, got %d argument(s)", len(args))
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := resolveConfig(logger, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	report, err := newRunner(cfg, logger).run(ctx, dryRun)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), statusLine(report))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := resolveConfig(logger, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	r := newRunner(cfg, logger)
	out := cmd.OutOrStdout()
	w := watch.NewWatcher([]string{
		filepath.Join(cfg.Paths.SourceDir, cfg.Stores.Folders),
		filepath.Join(cfg.Paths.SourceDir, cfg.Stores.Documents),
	}, cfg.Watch.Debounce, func(ctx context.Context) error {
		report, err := r.run(ctx, false)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, statusLine(report))
		return nil
	}, logger)

	return w.Start(ctx)
}

// runner builds the per-run store index and engine. The scratch cache is
// shared by all runs of the process.
type runner struct {
	cfg       *config.Config
	cache     *snapshot.Cache
	backend   snapshot.Backend
	committer vcs.Committer
	logger    *slog.Logger
}

func newRunner(cfg *config.Config, logger *slog.Logger) *runner {
	return &runner{
		cfg:     cfg,
		cache:   snapshot.NewCache(cfg.Paths.ScratchDir),
		backend: snapshot.NewLevelDB(),
		committer: vcs.NewGoGitCommitter(vcs.Author{
			Name:  cfg.Sync.CommitAuthor.Name,
			Email: cfg.Sync.CommitAuthor.Email,
		}),
		logger: logger,
	}
}

func (r *runner) run(ctx context.Context, dryRun bool) (report *sync.Report, err error) {
	idx := store.NewIndex(r.cfg.Paths.SourceDir, store.Layout{
		Folders:    r.cfg.Stores.Folders,
		Documents:  r.cfg.Stores.Documents,
		FolderType: r.cfg.FolderType(),
	}, r.cache, r.backend, r.logger)
	defer func() {
		if cerr := idx.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close stores: %w", cerr))
		}
	}()

	engine := sync.NewEngine(r.cfg, idx, r.committer, r.logger, dryRun)
	return engine.Run(ctx)
}

func statusLine(report *sync.Report) string {
	switch {
	case report.Result == sync.NoChange:
		return "Dump already up to date."
	case report.DryRun:
		return "Dump would be updated (dry run)."
	default:
		return "Updated dump."
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr; stdout only carries the status line.
	if logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newTextHandler(colorable.NewColorable(os.Stderr), level, !isatty.IsTerminal(os.Stderr.Fd())))
}

func newTextHandler(w io.Writer, level slog.Level, noColor bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Drop empty values such as an unset commit hash.
			if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
				return slog.Attr{}
			}
			return a
		},
	})
}

// resolveConfig loads the config file and applies, in increasing order of
// precedence, the environment, the flags and the positional arguments.
func resolveConfig(logger *slog.Logger, args []string) (*config.Config, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnv(os.LookupEnv)
	if vcsMode != "" {
		cfg.Sync.VCS = vcs.Mode(vcsMode)
	}
	if commitDump {
		cfg.Sync.Commit = true
	}
	if scratchDir != "" {
		cfg.Paths.ScratchDir = scratchDir
	}

	if len(args) == 2 {
		cfg.Paths.SourceDir = args[0]
		cfg.Paths.TargetDir = args[1]
	}
	for _, p := range []*string{&cfg.Paths.SourceDir, &cfg.Paths.TargetDir, &cfg.Paths.ScratchDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration resolved",
		"source_dir", cfg.Paths.SourceDir,
		"target_dir", cfg.Paths.TargetDir,
		"scratch_dir", cfg.Paths.ScratchDir,
		"vcs", string(cfg.Sync.VCS))

	return cfg, nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile == "" {
		logger.Debug("loading default configuration")
		return config.LoadDefault()
	}

	logger.Info("loading configuration", "path", cfgFile)
	return config.Load(cfgFile)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
