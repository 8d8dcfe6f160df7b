package toolchat

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mwiater/toolchat/internal/orchestrator"
	"github.com/mwiater/toolchat/internal/tui"
)

var (
	askRaw       bool
	askShowTools bool
)

// askCmd answers a single query and exits.
var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Answer one query, calling tools as needed",
	Long: `The 'ask' command opens the configured providers, runs one query through the
model and prints the answer. Tool calls made along the way are listed with --show-tools.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.TrimSpace(strings.Join(args, " "))
		if query == "" {
			return fmt.Errorf("query must not be empty")
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.Ask(ctx, query)
		printResult(cmd.OutOrStdout(), res, askShowTools, askRaw)
		return err
	},
}

// printResult writes the tool calls (when asked) and the answer.
func printResult(out io.Writer, res orchestrator.Result, showTools, raw bool) {
	if showTools {
		for _, c := range res.Calls {
			fmt.Fprintln(out, tui.FormatCall(c))
		}
	}
	text := res.Text
	if !raw {
		text = tui.RenderMarkdown(text, 100)
	}
	fmt.Fprintln(out, text)
}

func init() {
	askCmd.Flags().BoolVar(&askRaw, "raw", false, "print the answer without markdown rendering")
	askCmd.Flags().BoolVar(&askShowTools, "show-tools", false, "list the tool calls made while answering")
	rootCmd.AddCommand(askCmd)
}
