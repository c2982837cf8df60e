// Command canon indexes file collections into a content-addressed catalog
// and produces transactional plans for reorganizing them into a canonical
// archive.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjhunter/canon"
	"github.com/mjhunter/canon/internal/logx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	dbPath    string
	debugFlag bool
	logLevel  string
	jsonLogs  bool

	log zerolog.Logger
	cat *canon.Catalog
)

var rootCmd = &cobra.Command{
	Use:   "canon",
	Short: "Content-addressed file catalog and archiver",
	Long: `canon indexes file collections into a content-addressed catalog and
produces transactional plans for reorganizing them into a canonical archive.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		c, err := canon.Open(cmd.Context(), dbPath)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		if debugFlag {
			c.SetDebug(logx.DebugSQLProfile(log))
		}
		cat = c
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if cat != nil {
			return cat.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "path to the catalog database")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "log every SQL query at debug level")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "force JSON log output (default: auto-detect terminal)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(worklistCmd)
	rootCmd.AddCommand(importFactsCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(coverageCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(excludeCmd)
}

func initLogging() {
	cfg := logx.Config{Level: logx.Level(logLevel)}
	if debugFlag {
		cfg.Level = logx.DebugLevel
	}
	if jsonLogs {
		t := true
		cfg.JSONOutput = &t
	}
	log = logx.Init(cfg)
}

// defaultDBPath mirrors the teacher's defaultDBPath helper in
// cmd/memstore-mcp/main.go: an XDG-style per-user default under $HOME.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "canon.db"
	}
	return filepath.Join(home, ".canon", "canon.db")
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "canon:", err)
		os.Exit(1)
	}
}
