package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenWhispr/openwhispr/internal/config"
	"github.com/OpenWhispr/openwhispr/internal/logger"
	"github.com/OpenWhispr/openwhispr/internal/store"
)

var (
	dataDir string
	verbose bool
	cfgFile string
	cfg     *config.Config

	// Version information
	version    string
	commitHash string
	buildTime  string
)

var rootCmd = &cobra.Command{
	Use:   "openwhisprd",
	Short: "Meeting detection and calendar sync daemon",
	Long: `openwhisprd connects to Google Calendar, keeps a local copy of your
upcoming meetings in sync, and watches for meetings in progress.

When a scheduled meeting starts you get a desktop notification. When a
meeting app or sustained microphone activity is detected without a
matching calendar event, openwhisprd asks whether to start recording.

Run 'openwhisprd connect' once to authorize, then 'openwhisprd watch'
(typically as a systemd user service) to start the daemon.`,
}

func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, commit, buildTimeStr string) {
	version = v
	commitHash = commit
	buildTime = buildTimeStr

	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commitHash, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.local/share/openwhisprd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config directory (default: ~/.config/openwhisprd)")

	// Add subcommands
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(calendarsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

func initConfig() {
	logger.Init(verbose)

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.FileStore, error) {
	st, err := store.NewFileStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store: %w", err)
	}
	return st, nil
}
