package toolchat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mwiater/toolchat/internal/orchestrator"
	"github.com/mwiater/toolchat/internal/tui"
)

var (
	// startGUI is a function alias to tui.Start for the full-screen chat.
	startGUI = tui.Start

	chatPlain bool
	chatRaw   bool
)

// asker is the part of a session the line REPL needs.
type asker interface {
	Ask(ctx context.Context, query string) (orchestrator.Result, error)
}

// chatCmd represents the 'chat' command, which starts an interactive chat session.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start a chat session",
	Long: `The 'chat' command starts an interactive session. Each query gets a fresh
conversation; provider connections follow the configured connection scope.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		// Close waits for in-flight queries, so cancel them first.
		defer func() {
			cancel()
			s.Close()
		}()

		if chatPlain {
			return runREPL(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout(), chatRaw)
		}
		return startGUI(ctx, s)
	},
}

// runREPL reads one query per line until "quit", end of input or
// cancellation. Empty lines are skipped.
func runREPL(ctx context.Context, s asker, in io.Reader, out io.Writer, raw bool) error {
	title := color.New(color.Bold)
	faint := color.New(color.Faint)
	prompt := color.New(color.FgCyan, color.Bold)
	failure := color.New(color.FgRed)

	title.Fprintln(out, "MCP Chatbot Started!")
	faint.Fprintln(out, "Type your queries or 'quit' to exit.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		prompt.Fprint(out, "\nQuery: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.EqualFold(query, "quit") {
			return nil
		}

		res, err := s.Ask(ctx, query)
		switch {
		case err == nil, errors.Is(err, orchestrator.ErrTransportFailure), errors.Is(err, orchestrator.ErrTurnLimitExceeded):
			fmt.Fprintln(out)
			printResult(out, res, true, raw)
		default:
			failure.Fprintf(out, "\nError: %v\n", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, orchestrator.ErrSessionClosed) {
			return err
		}
	}
}

func init() {
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "use a line-oriented prompt instead of the full-screen chat")
	chatCmd.Flags().BoolVar(&chatRaw, "raw", false, "print answers without markdown rendering (with --plain)")
	rootCmd.AddCommand(chatCmd)
}
