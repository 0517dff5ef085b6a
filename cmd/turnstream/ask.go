package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/namikmesic/turnstream/internal/client"
	"github.com/namikmesic/turnstream/internal/events"
	"github.com/spf13/cobra"
)

var (
	askSession  string
	askThinking bool
	askJSON     bool
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send one prompt through the pipeline and print the streamed reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := startCore(cfg)
		if err != nil {
			return err
		}
		defer c.Close(5 * time.Second)

		printer := &replyPrinter{out: cmd.OutOrStdout(), diag: cmd.ErrOrStderr(), thinking: askThinking}
		opts := []client.Option{client.WithSession(askSession)}
		if !askJSON {
			opts = append(opts, client.WithObserver(printer.observe))
		}
		m := client.NewMachine(c.dispatcher, opts...)

		l, err := client.Listen(c.bus, nil, m.Apply)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer l.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id, err := m.Send(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}

		state, sc, err := m.Wait(ctx)
		if errors.Is(err, context.Canceled) {
			// Interrupted: cancel and wait for the CANCELLED terminal event.
			_ = c.dispatcher.Cancel(id)
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			state, sc, err = m.Wait(waitCtx)
			cancel()
		}
		if err != nil {
			return err
		}

		if askJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				State   client.State         `json:"state"`
				Context client.StreamContext `json:"context"`
			}{state, sc}); err != nil {
				return err
			}
		} else {
			printer.summary(state, sc)
		}

		if state == client.StateError {
			return fmt.Errorf("%s: %s", sc.Error.Code, sc.Error.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&askSession, "session", "", "Continue an existing session")
	askCmd.Flags().BoolVar(&askThinking, "thinking", false, "Print thinking to stderr")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the final stream context as JSON instead of streaming")
}

// replyPrinter writes text deltas to out as they arrive and everything else
// to diag.
type replyPrinter struct {
	out      io.Writer
	diag     io.Writer
	thinking bool
}

func (p *replyPrinter) observe(ev events.Event, _ client.State) {
	switch pl := ev.Payload.(type) {
	case events.Text:
		fmt.Fprint(p.out, pl.Content)
	case events.Thinking:
		if p.thinking {
			fmt.Fprint(p.diag, pl.Content)
		}
	case events.ToolStart:
		fmt.Fprintf(p.diag, "\n[tool %s %s]\n", pl.ToolName, pl.ToolID)
	case events.ToolComplete:
		status := "ok"
		if pl.IsError {
			status = "error"
		}
		fmt.Fprintf(p.diag, "[tool %s %s in %dms]\n", pl.ToolID, status, pl.DurationMs)
	case events.Error:
		if !pl.Terminal() {
			fmt.Fprintf(p.diag, "\n[warning %s: %s]\n", pl.Code, pl.Message)
		}
	}
}

func (p *replyPrinter) summary(state client.State, sc client.StreamContext) {
	fmt.Fprintln(p.out)
	switch state {
	case client.StateComplete:
		fmt.Fprintf(p.diag, "session %s, %dms, $%.4f\n", sc.SessionID, sc.DurationMs, sc.CostUSD)
		if open := sc.OpenTools(); len(open) > 0 {
			fmt.Fprintf(p.diag, "unfinished tools: %s\n", strings.Join(open, ", "))
		}
	case client.StateError:
		fmt.Fprintf(p.diag, "error %s (recoverable=%t): %s\n", sc.Error.Code, sc.Error.Recoverable, sc.Error.Message)
	}
}
