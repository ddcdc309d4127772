package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"legion/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sayCmd posts a Commander message and waits for the reactions.
var sayCmd = &cobra.Command{
	Use:   "say [channel] [message...]",
	Short: "Post a message as the Commander and watch the minions react",
	Long: `Appends a Commander message to the channel, then runs one turn for every
enabled member concurrently. Replies stream as they are generated. Due
regulator reports are printed after the turns finish.

Example:
  legion say lounge "Hello team, what should we build today?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSay,
}

// swarmCmd runs the autonomous loop for a swarm channel.
var swarmCmd = &cobra.Command{
	Use:   "swarm [channel]",
	Short: "Run an autonomous swarm channel until interrupted",
	Long: `Turns auto mode on for an autonomous-swarm channel and runs its loop in the
foreground: after each cycle the scheduler waits the channel's delay and
triggers the next one. Ctrl+C stops the loop and cancels turns in flight.`,
	Args: cobra.ExactArgs(1),
	RunE: runSwarm,
}

var historyCmd = &cobra.Command{
	Use:   "history [channel]",
	Short: "Print a channel's message log",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// messageCmd edits the log.
var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Edit or delete logged messages",
}

var messageEditCmd = &cobra.Command{
	Use:   "edit [channel] [message-id] [content...]",
	Short: "Replace a message's content",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runMessageEdit,
}

var messageRmCmd = &cobra.Command{
	Use:   "rm [channel] [message-id]",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE:  runMessageRm,
}

func init() {
	sayCmd.Flags().Bool("thinking", false, "Show when each minion starts and stops processing")
	swarmCmd.Flags().Bool("thinking", false, "Show when each minion starts and stops processing")
	swarmCmd.Flags().String("delay", "", "Override the delay policy: fixed:N or random:MIN-MAX seconds")
	swarmCmd.Flags().Duration("for", 0, "Stop after this long (default: until interrupted)")
	swarmCmd.Flags().Bool("keep-auto", false, "Leave auto mode on when the loop stops")
	historyCmd.Flags().IntP("limit", "n", 30, "Number of recent messages (0 for all)")
	historyCmd.Flags().Bool("ids", false, "Show message ids")

	messageCmd.AddCommand(messageEditCmd)
	messageCmd.AddCommand(messageRmCmd)
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runSay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.repo.FindChannel(ctx, args[0])
	if err != nil {
		return err
	}
	content := strings.Join(args[1:], " ")
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message is empty")
	}

	thinking, _ := cmd.Flags().GetBool("thinking")
	out := cmd.OutOrStdout()
	a.orch.Subscribe(newEventPrinter(out, ch.ID, thinking).handle)

	logger.Debug("Posting", zap.String("channel", ch.Name), zap.Int("len", len(content)))
	_, res, err := a.orch.Post(ctx, ch.ID, content)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d turns, %d spoke, %d reports", len(res.Turns), res.Spoke(), len(res.Reports))))
	if len(res.Skipped) > 0 {
		fmt.Fprintln(out, dimStyle.Render("busy, skipped: "+strings.Join(res.Skipped, ", ")))
	}
	return nil
}

func runSwarm(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if d, _ := cmd.Flags().GetDuration("for"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	a, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.repo.FindChannel(ctx, args[0])
	if err != nil {
		return err
	}
	if ch.Type != types.ChannelSwarm {
		return fmt.Errorf("%s is a %s channel; swarm runs %s channels", ch.Name, ch.Type, types.ChannelSwarm)
	}

	var delay *types.DelayPolicy
	if spec, _ := cmd.Flags().GetString("delay"); spec != "" {
		p, err := parseDelay(spec)
		if err != nil {
			return err
		}
		delay = &p
	}
	if err := a.repo.SetAutoMode(ctx, ch.ID, true, delay); err != nil {
		return err
	}
	if keep, _ := cmd.Flags().GetBool("keep-auto"); !keep {
		defer func() {
			// ctx is done by now.
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.repo.SetAutoMode(offCtx, ch.ID, false, nil); err != nil {
				logger.Warn("Failed to turn auto mode off", zap.String("channel", ch.Name), zap.Error(err))
			}
		}()
	}

	thinking, _ := cmd.Flags().GetBool("thinking")
	out := cmd.OutOrStdout()
	a.orch.Subscribe(newEventPrinter(out, ch.ID, thinking).handle)

	if err := a.sched.SwitchTo(ctx, ch.ID); err != nil {
		return err
	}
	done := a.sched.Done()
	if done == nil {
		return fmt.Errorf("scheduler did not start for %s", ch.Name)
	}
	fmt.Fprintln(out, dimStyle.Render("Swarm running in "+ch.Name+". Press Ctrl+C to stop."))

	select {
	case <-ctx.Done():
	case <-done:
	}
	a.sched.Disable()
	fmt.Fprintln(out, dimStyle.Render("Swarm stopped."))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openReader(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.repo.FindChannel(ctx, args[0])
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	showIDs, _ := cmd.Flags().GetBool("ids")

	var msgs []types.Message
	if limit > 0 {
		msgs, err = a.repo.RecentMessages(ctx, ch.ID, limit)
	} else {
		msgs, err = a.repo.Messages(ctx, ch.ID)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("#"+ch.Name))
	for i := range msgs {
		line := formatMessage(&msgs[i])
		if showIDs {
			line = dimStyle.Render(msgs[i].ID) + " " + line
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runMessageEdit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.repo.FindChannel(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.repo.EditMessage(ctx, ch.ID, args[1], strings.Join(args[2:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Edited %s\n", args[1])
	return nil
}

func runMessageRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.repo.FindChannel(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.repo.DeleteMessage(ctx, ch.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[1])
	return nil
}
