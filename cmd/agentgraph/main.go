// Command agentgraph loads agent definitions and runs them.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/logging"
)

var version = "0.1.0"

// globalFlags are shared by every command.
type globalFlags struct {
	file     string
	envFile  string
	logLevel string
	noColor  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentgraph:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentgraph",
		Short:         "Run graphs of LLM agents and tools",
		Long:          "agentgraph loads agent definitions from a YAML file and runs them: LLM calls, tool servers, chains and repeats over lists.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(g.envFile)
		},
	}

	root.PersistentFlags().StringVarP(&g.file, "file", "f", "agents.yaml", "agent definition file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before running (ignored when missing)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "disable colored log output")

	root.AddCommand(runCmd(g))
	root.AddCommand(validateCmd(g))
	root.AddCommand(listCmd(g))
	root.AddCommand(toolsCmd(g))
	root.AddCommand(historyCmd(g))
	return root
}

// loadEnv loads KEY=value pairs from path without overriding variables that
// are already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (g *globalFlags) logger(cmd *cobra.Command) *slog.Logger {
	return logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:   logging.ParseLevel(g.logLevel),
		NoColor: g.noColor,
	})
}

func (g *globalFlags) load() (*agents.Document, error) {
	return agents.LoadFile(g.file)
}
