package cmd

import (
	"fmt"
	"os"

	"flowproxy/config"
	"flowproxy/database"
	"flowproxy/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	dbPath           string // Bound to --dbpath flag
	appLogPathFlag   string
	proxyLogPathFlag string
	logLevelFlag     string

	// flowStore is the open journal, nil when persistence is disabled.
	flowStore *database.FlowStore
)

var rootCmd = &cobra.Command{
	Use:   "flowproxy",
	Short: "An intercepting HTTP/HTTPS proxy",
	Long: `flowproxy sits between clients and servers, records every request and
response as a flow, lets rules or a controller kill or rewrite flows in
flight, and replays captured flows on demand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(cfgFile, appLogPathFlag, proxyLogPathFlag, logLevelFlag); err != nil {
			return fmt.Errorf("failed to initialize config in PersistentPreRunE: %w", err)
		}
		if cmd.Name() == "init-ca" || cmd.Name() == "completion" ||
			cmd.Name() == cobra.ShellCompRequestCmd || cmd.Name() == cobra.ShellCompNoDescRequestCmd {
			return nil
		}
		if !config.AppConfig.Database.Enabled && !needsJournal(cmd) {
			logger.Info("PersistentPreRunE: flow journal disabled by config")
			return nil
		}

		finalDBPath := config.AppConfig.Database.Path
		if dbPath != "" {
			expandedPath, err := config.ExpandTilde(dbPath)
			if err != nil {
				logger.Error("Error expanding tilde in --dbpath flag '%s': %v. Using original.", dbPath, err)
				expandedPath = dbPath
			}
			finalDBPath = expandedPath
			logger.Info("PersistentPreRunE: Using database path from --dbpath flag: '%s'", finalDBPath)
		}
		if finalDBPath == "" {
			logger.Error("PersistentPreRunE: Database path is empty after checking flag and config! Falling back to 'flows.db' in CWD.")
			finalDBPath = "flows.db"
		}

		store, err := database.Open(finalDBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database at %s: %w", finalDBPath, err)
		}
		flowStore = store
		logger.Info("Flow journal opened at: %s", finalDBPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if flowStore != nil {
			flowStore.Close()
			flowStore = nil
		}
	},
}

// needsJournal reports whether cmd only makes sense with the journal open.
func needsJournal(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == flowsCmd {
			return true
		}
	}
	return false
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/flowproxy/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "dbpath", "", "path to SQLite flow journal (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&appLogPathFlag, "app-log", "", "path for the application log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&proxyLogPathFlag, "proxy-log", "", "path for the proxy log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR (overrides config/default)")
}
