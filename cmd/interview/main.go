// Command interview runs a mock technical interview from the terminal: typed
// utterances go to the interview server and the interviewer's reply is shown
// as its spoken audio starts.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/normanking/mockinterview/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "interview",
	Short: "Mock interview client with synchronised voice and text",
	Long: `interview talks to a mock interview server. Each reply is streamed as
text over a push channel and as speech over HTTP; the text is held back until
the speech is ready to play so the two start together.

Configuration:
  1. --config flag (explicit path)
  2. $HOME/.mockinterview/config.yaml
  3. ./config.yaml (current directory)

Environment Variables (also read from .env and ~/.mockinterview/.env):
  MOCKINTERVIEW_SERVER_BASE_URL         - Interview server URL
  MOCKINTERVIEW_USER_ID                 - Candidate id
  MOCKINTERVIEW_GATE_DISCLOSURE_TIMEOUT - Max wait for audio before text is shown`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnvFiles()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mockinterview/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to the console at debug level")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite an existing configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFiles loads .env files without overriding the process environment.
func loadEnvFiles() {
	paths := []string{".env"}
	if dir, err := config.Dir(); err == nil {
		paths = append(paths, filepath.Join(dir, ".env"))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil && verbose {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", p, err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Console = true
	}
	return cfg, nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "server:")
		fmt.Fprintf(out, "  base_url: %s\n", cfg.Server.BaseURL)
		fmt.Fprintf(out, "  timeout: %s\n", cfg.Server.Timeout)
		fmt.Fprintf(out, "  tts_path: %s\n", cfg.Server.TTSPath)
		fmt.Fprintln(out, "push:")
		fmt.Fprintf(out, "  url: %s\n", cfg.PushURL())
		fmt.Fprintf(out, "  reconnect_delay: %s\n", cfg.Push.ReconnectDelay)
		fmt.Fprintf(out, "  ping_interval: %s\n", cfg.Push.PingInterval)
		fmt.Fprintln(out, "gate:")
		fmt.Fprintf(out, "  disclosure_timeout: %s\n", cfg.Gate.DisclosureTimeout)
		fmt.Fprintln(out, "audio:")
		fmt.Fprintf(out, "  ready_threshold: %d\n", cfg.Audio.ReadyThreshold)
		fmt.Fprintf(out, "  require_gesture: %t\n", cfg.Audio.RequireGesture)
		fmt.Fprintf(out, "  player_command: %q\n", cfg.Audio.PlayerCommand)
		fmt.Fprintf(out, "  output_file: %q\n", cfg.Audio.OutputFile)
		fmt.Fprintln(out, "interview:")
		fmt.Fprintf(out, "  user: %s\n", cfg.User.ID)
		fmt.Fprintf(out, "  company: %s\n", cfg.Interview.Company)
		fmt.Fprintf(out, "  topic: %s\n", cfg.Interview.Topic)
		fmt.Fprintf(out, "  voice: %s\n", cfg.Interview.Voice)
		fmt.Fprintf(out, "  language: %s\n", cfg.Interview.Language)
		fmt.Fprintln(out, "metrics:")
		fmt.Fprintf(out, "  listen_addr: %q\n", cfg.Metrics.ListenAddr)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}
