// Package cli provides the thin command-line control surface around the
// transfer core: enough to start a download or upload, manage folder
// transfers, and run a background daemon that resumes whatever the last
// run left unfinished. It does not attempt to reproduce a full vendor API
// client (auth, cookie refresh, QR login) — that lives above this package.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baiducore/netcore/internal/logging"
)

var (
	// Global flags
	cfgFile     string
	accessToken string
	pcsBaseURL  string
	bdussCookie string
	walDir      string
	verbose     bool
	debug       bool

	maxThreads        int
	maxConcurrentTask int
	noAutoScale       bool

	logger *logging.Logger

	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version is set by main at build time.
var Version = "v0.1.0-dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netcore",
		Short: "Self-hosted transfer core for Baidu NetDisk",
		Long: `netcore ` + Version + `

Multiplexes concurrent file and folder transfers across a pool of
candidate CDN/PCS endpoints, adapting chunk assignment and endpoint
selection to real-time throughput and failure signals.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(-1)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&accessToken, "access-token", os.Getenv("NETCORE_ACCESS_TOKEN"), "vendor API access token")
	rootCmd.PersistentFlags().StringVar(&pcsBaseURL, "pcs-base-url", "https://pcs.baidu.com/rest/2.0/pcs", "PCS API base URL")
	rootCmd.PersistentFlags().StringVar(&bdussCookie, "bduss", os.Getenv("NETCORE_BDUSS"), "BDUSS session cookie for CDN downloads")
	rootCmd.PersistentFlags().StringVar(&walDir, "state-dir", defaultStateDir(), "directory for WAL/metadata sidecars")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output (same as --verbose)")

	rootCmd.PersistentFlags().IntVar(&maxThreads, "max-threads", 0, "maximum concurrent chunk transfers (0 = auto-detect)")
	rootCmd.PersistentFlags().IntVar(&maxConcurrentTask, "max-tasks", 4, "maximum concurrent tasks")
	rootCmd.PersistentFlags().BoolVar(&noAutoScale, "no-auto-scale", false, "disable automatic thread scaling")

	rootCmd.Version = Version
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".netcore"
	}
	return home + "/.netcore"
}

// Execute runs the CLI, cancelling the shared context on SIGINT/SIGTERM.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nreceived signal %v, cancelling...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)
	return err
}

// AddCommands registers every subcommand on the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newFolderCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newStatusCmd())
}

// GetLogger returns the global CLI logger, building a default one if
// called before Execute (e.g. from tests).
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the signal-cancellable root context.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}
