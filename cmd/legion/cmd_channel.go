package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"legion/internal/config"
	"legion/internal/types"

	"github.com/spf13/cobra"
)

// channelCmd groups channel management.
var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channels and their members",
}

var channelCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a channel",
	Long: `Creates a channel. Types: group, dm, autonomous-swarm, system-log.

Example:
  legion channel create lounge --members Alpha,Beta
  legion channel create arena --type autonomous-swarm --members Alpha,Beta --auto --delay random:5-15`,
	Args: cobra.ExactArgs(1),
	RunE: channelCreate,
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels",
	RunE:  channelList,
}

var channelJoinCmd = &cobra.Command{
	Use:   "join [channel] [minion]",
	Short: "Add a minion to a channel",
	Args:  cobra.ExactArgs(2),
	RunE:  channelJoin,
}

var channelLeaveCmd = &cobra.Command{
	Use:   "leave [channel] [minion]",
	Short: "Remove a minion from a channel",
	Args:  cobra.ExactArgs(2),
	RunE:  channelLeave,
}

var channelAutoCmd = &cobra.Command{
	Use:   "auto [channel] [on|off]",
	Short: "Toggle auto mode of a swarm channel",
	Args:  cobra.ExactArgs(2),
	RunE:  channelAuto,
}

var channelRmCmd = &cobra.Command{
	Use:   "rm [channel]",
	Short: "Delete a channel and its log",
	Args:  cobra.ExactArgs(1),
	RunE:  channelRm,
}

func init() {
	channelCreateCmd.Flags().String("type", string(types.ChannelGroup), "Channel type")
	channelCreateCmd.Flags().StringSlice("members", nil, "Initial members")
	channelCreateCmd.Flags().Bool("auto", false, "Start in auto mode (swarm channels)")
	channelCreateCmd.Flags().String("delay", "", "Delay policy: fixed:N or random:MIN-MAX seconds")
	channelAutoCmd.Flags().String("delay", "", "Delay policy: fixed:N or random:MIN-MAX seconds")

	channelCmd.AddCommand(channelCreateCmd)
	channelCmd.AddCommand(channelListCmd)
	channelCmd.AddCommand(channelJoinCmd)
	channelCmd.AddCommand(channelLeaveCmd)
	channelCmd.AddCommand(channelAutoCmd)
	channelCmd.AddCommand(channelRmCmd)
}

// parseDelay parses "fixed:N" or "random:MIN-MAX".
func parseDelay(spec string) (types.DelayPolicy, error) {
	mode, arg, ok := strings.Cut(spec, ":")
	if !ok {
		return types.DelayPolicy{}, fmt.Errorf("invalid delay %q: want fixed:N or random:MIN-MAX", spec)
	}
	var p types.DelayPolicy
	switch types.DelayMode(mode) {
	case types.DelayFixed:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return p, fmt.Errorf("invalid fixed delay %q: %w", arg, err)
		}
		p = types.DelayPolicy{Mode: types.DelayFixed, FixedSeconds: n}
	case types.DelayRandom:
		lo, hi, ok := strings.Cut(arg, "-")
		if !ok {
			return p, fmt.Errorf("invalid random delay %q: want MIN-MAX", arg)
		}
		minS, err := strconv.Atoi(lo)
		if err != nil {
			return p, fmt.Errorf("invalid minimum delay %q: %w", lo, err)
		}
		maxS, err := strconv.Atoi(hi)
		if err != nil {
			return p, fmt.Errorf("invalid maximum delay %q: %w", hi, err)
		}
		p = types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: minS, MaxSeconds: maxS}
	default:
		return p, fmt.Errorf("unknown delay mode %q", mode)
	}
	return p, config.ValidateDelayPolicy(p)
}

func formatDelay(p types.DelayPolicy) string {
	if p.Mode == types.DelayRandom {
		return fmt.Sprintf("random %d-%ds", p.MinSeconds, p.MaxSeconds)
	}
	return fmt.Sprintf("fixed %ds", p.FixedSeconds)
}

func channelCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	typ, _ := cmd.Flags().GetString("type")
	members, _ := cmd.Flags().GetStringSlice("members")
	auto, _ := cmd.Flags().GetBool("auto")
	delaySpec, _ := cmd.Flags().GetString("delay")

	ch := &types.Channel{Name: args[0], Type: types.ChannelType(typ), AutoMode: auto, Delay: a.cfg.Autonomous.DefaultDelay}
	if delaySpec != "" {
		if ch.Delay, err = parseDelay(delaySpec); err != nil {
			return err
		}
	}
	if ch.Type == types.ChannelSystemLog && len(members) > 0 {
		return fmt.Errorf("system-log channels have no members")
	}
	for _, name := range members {
		if _, err := a.repo.GetMinion(ctx, name); err != nil {
			return fmt.Errorf("unknown minion %s: %w", name, err)
		}
	}
	ch.Members = members

	created, err := a.repo.CreateChannel(ctx, ch)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s channel %s (%s)\n", created.Type, headerStyle.Render(created.Name), created.ID)
	return nil
}

func channelList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openReader(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	channels, err := a.repo.ListChannels(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(channels) == 0 {
		fmt.Fprintln(out, "No channels yet. Create one with 'legion channel create'.")
		return nil
	}
	fmt.Fprintln(out, headerStyle.Render("Channels"))
	for _, ch := range channels {
		auto := ""
		if ch.Type == types.ChannelSwarm {
			state := "off"
			if ch.AutoMode {
				state = "on"
			}
			auto = fmt.Sprintf(" auto=%s (%s)", state, formatDelay(ch.Delay))
		}
		fmt.Fprintf(out, "  %-16s %-16s %s  members=%s  messages=%d%s\n",
			ch.Name, ch.Type, dimStyle.Render(ch.ID), strings.Join(ch.Members, ","), ch.MessageCounter, auto)
	}
	return nil
}

func channelJoin(cmd *cobra.Command, args []string) error {
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
	if _, err := a.repo.GetMinion(ctx, args[1]); err != nil {
		return fmt.Errorf("unknown minion %s: %w", args[1], err)
	}
	if err := a.repo.AddMember(ctx, ch.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s joined %s\n", minionStyle.Render(args[1]), ch.Name)
	return nil
}

func channelLeave(cmd *cobra.Command, args []string) error {
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
	if err := a.repo.RemoveMember(ctx, ch.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s left %s\n", minionStyle.Render(args[1]), ch.Name)
	return nil
}

func channelAuto(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var on bool
	switch strings.ToLower(args[1]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.repo.FindChannel(ctx, args[0])
	if err != nil {
		return err
	}
	if ch.Type != types.ChannelSwarm {
		return fmt.Errorf("%s is a %s channel; auto mode applies to %s channels", ch.Name, ch.Type, types.ChannelSwarm)
	}

	var delay *types.DelayPolicy
	if spec, _ := cmd.Flags().GetString("delay"); spec != "" {
		p, err := parseDelay(spec)
		if err != nil {
			return err
		}
		delay = &p
	}
	if err := a.repo.SetAutoMode(ctx, ch.ID, on, delay); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Auto mode for %s is %s\n", ch.Name, args[1])
	return nil
}

func channelRm(cmd *cobra.Command, args []string) error {
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
	if err := a.repo.DeleteChannel(ctx, ch.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", ch.Name)
	return nil
}
