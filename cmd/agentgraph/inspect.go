package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

func validateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check an agent definition file",
		Long: `Loads the definition file and checks every agent: variant blocks, data
sources and destinations, provider, tool server and agent references, and
reference cycles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := g.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d agents, %d providers, %d tool servers OK\n",
				g.file, len(doc.Agents), len(doc.Providers), len(doc.Tools))
			return nil
		},
	}
}

func listCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the agents of a definition file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := g.load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tTYPE\tSTEPS\tUSES")
			for _, name := range doc.AgentNames() {
				def := doc.Agents[name]
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, def.Type, countSteps(def), strings.Join(uses(def), ","))
			}
			return w.Flush()
		},
	}
}

// countSteps counts the executors of def, refs included as one step each.
func countSteps(def *agents.Definition) int {
	n := 0
	def.Walk(func(*agents.Definition) { n++ })
	return n
}

// uses lists the providers, tool servers and agents def refers to.
func uses(def *agents.Definition) []string {
	seen := map[string]bool{}
	def.Walk(func(d *agents.Definition) {
		switch {
		case d.Node != nil:
			seen["provider:"+d.Node.Provider] = true
		case d.Tool != nil:
			seen["tool:"+d.Tool.Server] = true
		case d.Ref != "":
			seen["agent:"+d.Ref] = true
		}
	})
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toolsCmd(g *globalFlags) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a tool server advertises",
		Long: `Starts the named tool server from the definition file, asks it for its
tools and stops it. Arguments and environment that read the context or
prompt resolve against an empty context; sources with defaults fall back
to them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := g.load()
			if err != nil {
				return err
			}
			def, ok := doc.Tools[server]
			if !ok {
				return fmt.Errorf("tool server %q is not defined in %s", server, g.file)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			list, err := tools.NewManager().Discover(ctx, def, datactx.New(), "")
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tDESCRIPTION")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\n", t.Name, firstLine(t.Description))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&server, "server", "t", "", "name of the tool server")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
