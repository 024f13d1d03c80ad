// Package main provides the provgraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orneryd/provgraph/pkg/config"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/provgraph"
	"github.com/orneryd/provgraph/pkg/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "provgraph",
		Short: "provgraph - provenance graph query engine",
		Long: `provgraph stores provenance graphs and answers graph-algebra programs
over them.

Named graphs are kept as tags on the stored vertices and edges. Programs
select, combine and traverse them, bind results to $symbols that persist
across sessions, and export or summarize them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (environment overrides it)")
	rootCmd.PersistentFlags().String("engine", "", "Storage engine (memory, badger)")
	rootCmd.PersistentFlags().String("data-dir", "", "Badger data directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "provgraph v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (default from config)")
	serveCmd.Flags().String("load-export", "", "Load a provenance export on startup")
	rootCmd.AddCommand(serveCmd)

	runCmd := &cobra.Command{
		Use:   "run [program.json|program.yaml]",
		Short: "Run a program and print its results",
		Args:  cobra.ExactArgs(1),
		RunE:  runProgram,
	}
	runCmd.Flags().String("load-export", "", "Load a provenance export before running")
	runCmd.Flags().StringP("output", "o", "json", "Output format (json, yaml)")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "load [file|directory]",
		Short: "Load a provenance export",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Reclaim graphs and metadata no symbol refers to",
		RunE:  runGC,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "symbols",
		Short: "Print the symbol table",
		RunE:  runSymbols,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Drop every symbol binding and collect",
		RunE:  runReset,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file (or the defaults), the environment and
// the persistent flags, in that order of precedence from lowest.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}

	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Storage.Engine = engine
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Logging.Apply(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func openDB(cmd *cobra.Command) (*provgraph.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Engine == "badger" && !cfg.Storage.InMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := provgraph.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if export, _ := cmd.Flags().GetString("load-export"); export != "" {
		if err := load(cmd.Context(), db, export); err != nil {
			return err
		}
	}

	httpServer, err := server.New(db, &cfg.Server)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"engine":  cfg.Storage.Engine,
		"addr":    httpServer.Addr(),
	}).Info("provgraph is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return nil
}

func runProgram(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output != "json" && output != "yaml" {
		return fmt.Errorf("unknown output format %q", output)
	}
	steps, err := readProgram(args[0])
	if err != nil {
		return err
	}

	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if export, _ := cmd.Flags().GetString("load-export"); export != "" {
		if err := load(cmd.Context(), db, export); err != nil {
			return err
		}
	}

	resp, runErr := db.Execute(cmd.Context(), steps)
	if resp != nil {
		if err := write(cmd.OutOrStdout(), output, resp); err != nil {
			return err
		}
	}
	return runErr
}

// readProgram decodes a program file; .yaml and .yml files are YAML, the
// rest JSON.
func readProgram(path string) ([]instruction.Instruction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading program: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return instruction.DecodeYAML(data)
	default:
		return instruction.Decode(data)
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	return load(cmd.Context(), db, args[0])
}

func load(ctx context.Context, db *provgraph.DB, path string) error {
	start := time.Now()
	stats, err := db.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("loading export: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"vertices": stats.Vertices,
		"edges":    stats.Edges,
		"elapsed":  time.Since(start),
	}).Info("export loaded")
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.GC(cmd.Context())
	if err != nil {
		return err
	}
	return write(cmd.OutOrStdout(), "json", report)
}

func runSymbols(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	return write(cmd.OutOrStdout(), "json", db.Symbols())
}

func runReset(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.Reset(cmd.Context())
	if err != nil {
		return err
	}
	return write(cmd.OutOrStdout(), "json", report)
}

func write(w io.Writer, format string, v any) error {
	if format == "yaml" {
		// Round trip through JSON so the json tags name the fields.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
