package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docnav/internal/config"
	"github.com/jackzampolin/docnav/internal/home"
	"github.com/jackzampolin/docnav/internal/output"
	"github.com/jackzampolin/docnav/internal/prompts"
	"github.com/jackzampolin/docnav/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	debug        bool
)

var rootCmd = &cobra.Command{
	Use:   "docnav",
	Short: "Turn financial reports into navigable documents",
	Long: `docnav reads a financial report PDF and links it up for navigation.

An analysis runs in three phases:
  - Structure: find the table of contents, the statement of financial
    position and the notes section from the text of the first pages
  - Notes: index which page defines each numbered note
  - Visual scan: locate note references and TOC page numbers on page
    images, verify the boxes, and resolve each to its target page

Runs that hit a rate limit or are interrupted save a snapshot and can be
resumed with --resume.`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.docnav/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "docnav home directory (default: ~/.docnav)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "", "output format: yaml or json (default from config, yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(
		&debug, "debug", false, "enable debug logging",
	)

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(versionCmd)
}

// env is what every command needs: the home directory, the loaded config
// and a logger honoring --debug.
type env struct {
	home   *home.Dir
	config *config.Manager
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	mgr, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	level := slog.LevelInfo
	if debug || cfg.Defaults.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	format := outputFormat
	if format == "" {
		format = cfg.Defaults.OutputFormat
	}
	f, err := output.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	output.SetFormat(f)

	logger.Debug("loaded config", "file", mgr.ConfigFile(), "home", h.Path())
	return &env{home: h, config: mgr, logger: logger}, nil
}

// promptResolver returns a resolver reading overrides from the configured
// directory, or <home>/prompts.
func (e *env) promptResolver() *prompts.Resolver {
	dir := e.config.Get().Prompts.Dir
	if dir == "" {
		dir = e.home.PromptsDir()
	}
	return prompts.NewResolver(dir, e.logger)
}
