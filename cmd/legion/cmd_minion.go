package main

import (
	"context"
	"fmt"
	"strings"

	"legion/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// minionCmd groups roster management.
var minionCmd = &cobra.Command{
	Use:   "minion",
	Short: "Manage the minion roster",
}

var minionAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create a minion",
	Long: `Creates a minion with a persona and model.

Example:
  legion minion add Alpha --persona "A cheerful optimist" --model gemini-2.5-flash
  legion minion add Overseer --role regulator --interval 10`,
	Args: cobra.ExactArgs(1),
	RunE: minionAdd,
}

var minionSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Update a minion's configuration",
	Long:  `Updates only the flags that are given. Opinions and diary are kept.`,
	Args:  cobra.ExactArgs(1),
	RunE:  minionSet,
}

var minionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List minions",
	RunE:  minionList,
}

var minionShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a minion's opinions and latest diary entry",
	Args:  cobra.ExactArgs(1),
	RunE:  minionShow,
}

var minionRmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete a minion and remove it from every channel",
	Args:  cobra.ExactArgs(1),
	RunE:  minionRm,
}

func init() {
	for _, c := range []*cobra.Command{minionAddCmd, minionSetCmd} {
		c.Flags().String("persona", "", "Persona description")
		c.Flags().String("model", "", "Model id (default: llm.default_model)")
		c.Flags().String("key", "", "Pin an API key id (default: load-balanced)")
		c.Flags().Float32("temperature", 0.7, "Sampling temperature")
		c.Flags().StringSlice("tools", nil, "Enabled tools (name or server/name)")
		c.Flags().String("role", string(types.RoleStandard), "Role: standard or regulator")
		c.Flags().Int("interval", 10, "Messages between regulator reports")
		c.Flags().Bool("enabled", true, "Whether the minion takes turns")
	}

	minionCmd.AddCommand(minionAddCmd)
	minionCmd.AddCommand(minionSetCmd)
	minionCmd.AddCommand(minionListCmd)
	minionCmd.AddCommand(minionShowCmd)
	minionCmd.AddCommand(minionRmCmd)
}

// applyMinionFlags copies changed flags (all flags when all is true) onto m.
func applyMinionFlags(cmd *cobra.Command, m *types.Minion, all bool) {
	f := cmd.Flags()
	set := func(name string) bool { return all || f.Changed(name) }

	if set("persona") {
		m.Persona, _ = f.GetString("persona")
	}
	if set("model") {
		if v, _ := f.GetString("model"); v != "" || !all {
			m.Model = v
		}
	}
	if set("key") {
		m.KeyID, _ = f.GetString("key")
	}
	if set("temperature") {
		m.Temperature, _ = f.GetFloat32("temperature")
	}
	if set("tools") {
		m.Tools, _ = f.GetStringSlice("tools")
	}
	if set("role") {
		role, _ := f.GetString("role")
		m.Role = types.Role(strings.ToLower(role))
	}
	if m.IsRegulator() && (set("interval") || m.RegulationInterval < 1) {
		m.RegulationInterval, _ = f.GetInt("interval")
	}
	if set("enabled") {
		m.Enabled, _ = f.GetBool("enabled")
	}
}

func minionAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m := &types.Minion{Name: args[0], Model: a.cfg.LLM.DefaultModel}
	applyMinionFlags(cmd, m, true)
	if m.Role != types.RoleStandard && m.Role != types.RoleRegulator {
		return fmt.Errorf("invalid role %q", m.Role)
	}

	if err := a.repo.CreateMinion(ctx, m); err != nil {
		return err
	}
	logger.Info("Minion created", zap.String("name", m.Name), zap.String("model", m.Model))
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s, %s)\n", minionStyle.Render(m.Name), m.Role, m.Model)
	return nil
}

func minionSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.repo.GetMinion(ctx, args[0])
	if err != nil {
		return err
	}
	applyMinionFlags(cmd, m, false)
	if m.Model == "" {
		m.Model = a.cfg.LLM.DefaultModel
	}
	if err := a.repo.UpdateMinion(ctx, m); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", minionStyle.Render(m.Name))
	return nil
}

func minionList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openReader(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	minions, err := a.repo.ListMinions(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(minions) == 0 {
		fmt.Fprintln(out, "No minions yet. Add one with 'legion minion add'.")
		return nil
	}
	fmt.Fprintln(out, headerStyle.Render("Minions"))
	for _, m := range minions {
		state := ""
		if !m.Enabled {
			state = dimStyle.Render(" (disabled)")
		}
		extra := ""
		if m.IsRegulator() {
			extra = fmt.Sprintf(" every %d", m.RegulationInterval)
		}
		fmt.Fprintf(out, "  %-16s %-10s%s %-24s tools=%s%s\n",
			minionStyle.Render(m.Name), m.Role, extra, m.Model, strings.Join(m.Tools, ","), state)
	}
	return nil
}

func minionShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openReader(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.repo.GetMinion(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(m.Name))
	fmt.Fprintf(out, "Persona:  %s\n", m.Persona)
	fmt.Fprintf(out, "Model:    %s (temperature %.2f)\n", m.Model, m.Temperature)
	fmt.Fprintf(out, "Opinions: %s\n", formatOpinions(m.Opinions))
	if d := m.Diary; d != nil {
		fmt.Fprintln(out, "Diary:")
		fmt.Fprintf(out, "  action:     %s (%s)\n", d.Action, d.SelectedResponseMode)
		fmt.Fprintf(out, "  perception: %s\n", d.PerceptionAnalysis)
		if d.ResponsePlan != "" {
			fmt.Fprintf(out, "  plan:       %s\n", d.ResponsePlan)
		}
		if d.PersonalNotes != "" {
			fmt.Fprintf(out, "  notes:      %s\n", d.PersonalNotes)
		}
	}
	return nil
}

func minionRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.repo.DeleteMinion(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}
