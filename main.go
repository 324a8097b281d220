package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ossyrian/mintywz/internal/archive"
	"github.com/ossyrian/mintywz/internal/config"
	"github.com/ossyrian/mintywz/internal/logging"
	"github.com/ossyrian/mintywz/internal/wz"
)

var (
	cfgFile string
	cfg     *config.Config
	logFile io.Closer

	// osFs is the filesystem every command reads and writes.
	osFs = afero.NewOsFs()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:               "mintywz",
	Short:             "Read, dump and repack MapleStory WZ archives",
	PersistentPreRunE: setup,
	PersistentPostRun: closeLog,
	RunE:              dump,
	SilenceUsage:      true,
}

func closeLog(*cobra.Command, []string) {
	if logFile != nil {
		logFile.Close()
	}
}

// flagKeys maps flag names to config keys where they differ.
var flagKeys = map[string]string{
	"sprites-output": "sprites_dir",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	// WZ settings
	rootCmd.PersistentFlags().String("game-region", "", fmt.Sprintf("cipher region (%s); detected when empty", strings.Join(wz.Regions(), ", ")))
	rootCmd.PersistentFlags().String("game-version", "", "MapleStory patch version; recovered when empty")
	rootCmd.PersistentFlags().String("custom-iv", "", "hex encoded 4-byte IV, overrides --game-region")
	rootCmd.PersistentFlags().String("custom-key", "", "hex encoded 32-byte AES key used with --custom-iv")
	rootCmd.PersistentFlags().String("client-exe", "", "game client whose file version seeds the version search")
	rootCmd.PersistentFlags().Int("max-version", 0, "highest patch version tried by the version search")
	rootCmd.PersistentFlags().Int("workers", 4, "number of concurrent workers")

	// other opts
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-output-dir", "", "directory to write log files (if set, logs are written to both stderr and file)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "parse without writing output (validation)")

	// dump
	rootCmd.Flags().StringSliceP("input", "i", nil, "path to .wz file to dump, may be repeated (required)")
	rootCmd.Flags().StringP("output", "o", "", "output file, \"-\" for stdout, or a directory when dumping several files")
	rootCmd.Flags().String("format", "json", "dump format (json, yaml, cbor)")
	rootCmd.Flags().String("compression", "none", "dump compression (none, zstd, lz4)")
	rootCmd.Flags().StringP("sprites-output", "s", "", "directory to extract canvases, sounds and scripts to")
	rootCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(repackCmd, findCmd, exportImageCmd, bruteforceCmd, verifyCmd)
}

// initConfig reads in config file and environment variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mintywz"))
		}
		viper.AddConfigPath("/etc/mintywz")
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
	}

	viper.SetEnvPrefix("MINTYWZ")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// bindFlags binds the flags of the command being run to their config keys.
// Binding here rather than in init lets subcommands share key names.
func bindFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key, ok := flagKeys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		viper.BindPFlag(key, f)
	})
}

// setup loads the configuration and installs the logger for every command.
func setup(cmd *cobra.Command, args []string) error {
	bindFlags(cmd)

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	closer, err := logging.Setup(osFs, cfg.LogLevel, cfg.LogOutputDir)
	if err != nil {
		return fmt.Errorf("could not set up logging: %w", err)
	}
	logFile = closer
	return nil
}

// archiveOptions translates the configuration into archive open options.
func archiveOptions() ([]archive.Option, error) {
	opts := []archive.Option{archive.WithLogger(slog.Default())}

	profile, ok, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, archive.WithProfile(profile))
	}

	version, err := cfg.Version()
	if err != nil {
		return nil, err
	}
	if version > 0 {
		opts = append(opts, archive.WithVersion(version))
	}
	if cfg.MaxVersion > 0 {
		opts = append(opts, archive.WithMaxVersion(cfg.MaxVersion))
	}
	if cfg.ClientExecutable != "" {
		opts = append(opts, archive.WithClientExecutable(osFs, cfg.ClientExecutable))
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
