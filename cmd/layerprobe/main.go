package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/printer"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "layerprobe",
	Short: "Progressive layer diagnostics and call replay for the scheduling agent",
	Long: `LayerProbe walks the backend, middleware, orchestration and conversational layers
in order and reports the first layer that fails, with a recommendation.

It can also replay captured calls against mocked or live middleware responses, resend a
call's utterances to a live agent, or re-issue a single captured exchange
directly against the backend.
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("log-file-enable", false, "Enable file logging")
	rootCmd.PersistentFlags().String("log-file-path", "", "Log file path")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output mode (console, json)")
	rootCmd.PersistentFlags().Bool("silence", false, "Only print final results")
	rootCmd.PersistentFlags().String("storage-path", "", "Report database path")
	rootCmd.PersistentFlags().String("capture-path", "", "Capture archive path")
	rootCmd.PersistentFlags().String("rules", "", "Recommendation rule pack (YAML)")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newDiagnoseCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newModesCmd())
	rootCmd.AddCommand(newCaptureCmd())
	rootCmd.AddCommand(newReportsCmd())
	rootCmd.AddCommand(newServeCmd())
}

func bindFlags(cmd *cobra.Command) {
	viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", cmd.PersistentFlags().Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", cmd.PersistentFlags().Lookup("log-file-path"))
	viper.BindPFlag("output.mode", cmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("output.silence", cmd.PersistentFlags().Lookup("silence"))
	viper.BindPFlag("storage.path", cmd.PersistentFlags().Lookup("storage-path"))
	viper.BindPFlag("capture.path", cmd.PersistentFlags().Lookup("capture-path"))
	viper.BindPFlag("rules.path", cmd.PersistentFlags().Lookup("rules"))
}

// app bundles what every command needs.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	printer printer.Printer
}

func loadApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Command line flags have the highest priority.
	if logLevel, err := cmd.Flags().GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if enable, err := cmd.Flags().GetBool("log-file-enable"); err == nil && cmd.Flags().Changed("log-file-enable") {
		cfg.Log.FileLogging.Enable = enable
	}
	if path, err := cmd.Flags().GetString("log-file-path"); err == nil && path != "" {
		cfg.Log.FileLogging.Path = path
	}
	if mode, err := cmd.Flags().GetString("output"); err == nil && mode != "" {
		cfg.Output.Mode = strings.ToLower(mode)
	}
	if silence, err := cmd.Flags().GetBool("silence"); err == nil && cmd.Flags().Changed("silence") {
		cfg.Output.Silence = silence
	}
	if path, err := cmd.Flags().GetString("storage-path"); err == nil && path != "" {
		cfg.Storage.Path = path
	}
	if path, err := cmd.Flags().GetString("capture-path"); err == nil && path != "" {
		cfg.Capture.Path = path
	}
	if path, err := cmd.Flags().GetString("rules"); err == nil && path != "" {
		cfg.Rules.Path = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	return &app{
		cfg:     cfg,
		log:     log,
		printer: printer.New(cfg.Output.Mode, log, &cfg.Output),
	}, nil
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("LayerProbe version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
