package toolchat

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"

	"github.com/mwiater/toolchat/internal/mcp"
	"github.com/mwiater/toolchat/internal/registry"
)

var toolsSchema bool

// toolsCmd lists providers and the tools routed to each.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List configured providers and their tools",
	Long: `The 'tools' command starts every configured provider, prints its status and the
tools the catalog routes to it, then shuts the providers down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		reg, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer reg.Shutdown()

		printRegistry(cmd.OutOrStdout(), reg, toolsSchema)
		return nil
	},
}

func printRegistry(out io.Writer, reg *registry.Registry, schema bool) {
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	faint := color.New(color.Faint)
	bold := color.New(color.Bold)

	bold.Fprintln(out, "Providers:")
	for _, st := range reg.Statuses() {
		switch st.State {
		case mcp.StateInitialized.String():
			ok.Fprintf(out, "  ● %s", st.Name)
			faint.Fprintf(out, " (%s %s) %d tools\n", st.Server.Name, st.Server.Version, len(st.Tools))
		case registry.StatusDisabled:
			faint.Fprintf(out, "  ○ %s disabled\n", st.Name)
		default:
			bad.Fprintf(out, "  ✗ %s %s", st.Name, st.State)
			if st.Err != nil {
				faint.Fprintf(out, ": %v", st.Err)
			}
			fmt.Fprintln(out)
		}
	}

	cat := reg.Catalog()
	bold.Fprintf(out, "\nTools (%d):\n", cat.Len())
	for _, e := range cat.Entries() {
		fmt.Fprintf(out, "  %s ", e.Name)
		faint.Fprintf(out, "[%s]", e.Provider)
		if e.Description != "" {
			fmt.Fprintf(out, " %s", e.Description)
		}
		fmt.Fprintln(out)
		if schema && e.InputSchema != nil {
			pp.Fprintln(out, e.InputSchema)
		}
	}
	for _, c := range cat.Collisions {
		faint.Fprintf(out, "  %s on %s is shadowed by %s\n", c.Tool, c.Dropped, c.Kept)
	}
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsSchema, "schema", false, "print each tool's input schema")
	rootCmd.AddCommand(toolsCmd)
}
