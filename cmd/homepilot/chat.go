package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"homepilot/internal/agent"
	"homepilot/internal/chat"
	"homepilot/internal/ux"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the copilot in the terminal",
	Long: `Interactive REPL. Assistant output streams token by token; when a
turn leaves changesets pending you are shown each diff and asked to
approve or reject it. Ctrl+C cancels the current turn; "exit" quits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		renderer, err := ux.NewRenderer()
		if err != nil {
			logger.Warn("markdown renderer unavailable", zap.Error(err))
		}

		sess := a.sessions.New()
		fmt.Printf("homepilot chat (session %s, root %s). Type 'exit' to quit.\n\n", sess.ID, cfg.Host.ConfigRoot)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("you> ")
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				return nil
			}

			if err := runTurn(cmd.Context(), a, sess, line, renderer); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

			if err := reviewPending(cmd.Context(), a, sess, scanner); err != nil {
				fmt.Fprintf(os.Stderr, "review error: %v\n", err)
			}
		}
	},
}

// runTurn streams one turn to the terminal. SIGINT cancels the turn
// instead of killing the process.
func runTurn(ctx context.Context, a *app, sess *agent.Session, text string, renderer *ux.Renderer) error {
	turnCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
	defer stop()

	events, err := a.orch.Run(turnCtx, sess, text)
	if err != nil {
		return err
	}

	var turnErr error
	for ev := range events {
		switch ev.Type {
		case agent.EventToken:
			fmt.Print(ev.Token)
		case agent.EventToolCall:
			fmt.Printf("\n[calling %s]\n", ev.Call.Name)
		case agent.EventToolResult:
			if strings.HasPrefix(ev.Result.Content, "Error:") {
				fmt.Printf("[%s failed: %s]\n", ev.Result.Name, strings.TrimPrefix(ev.Result.Content, "Error: "))
			}
		case agent.EventError:
			turnErr = ev.Err
		case agent.EventDone:
			// Re-render the final assistant message as markdown when the
			// turn produced one.
			if renderer != nil {
				log := sess.Log()
				if last := log[len(log)-1]; last.Role == chat.RoleAssistant && last.Content != "" {
					fmt.Print("\n" + renderer.Markdown(last.Content))
				}
			}
		}
	}
	fmt.Println()
	return turnErr
}

// reviewPending walks proposals originating from this session and asks
// for a decision on each.
func reviewPending(ctx context.Context, a *app, sess *agent.Session, scanner *bufio.Scanner) error {
	pending, err := a.manager.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, cs := range pending {
		if cs.SessionID != sess.ID {
			continue
		}

		fmt.Printf("\nChangeset %s (%d file(s)) awaits your decision", cs.ID, len(cs.Files))
		if cs.Stale {
			fmt.Printf(" %s", ux.StaleMarker())
		}
		fmt.Println(":")
		for _, f := range cs.Files {
			fmt.Print(ux.Diff(f.Preview))
		}

		fmt.Print("apply this change? [y/N] ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		approve := strings.EqualFold(strings.TrimSpace(scanner.Text()), "y")

		decided, err := a.manager.Decide(ctx, cs.ID, approve, "")
		if err != nil {
			fmt.Printf("apply failed: %v\n", err)
			if decided != nil {
				fmt.Printf("status: %s\n", ux.StatusBadge(decided.Status))
			}
			continue
		}
		fmt.Printf("changeset %s: %s\n", decided.ID, ux.StatusBadge(decided.Status))
	}
	return nil
}
