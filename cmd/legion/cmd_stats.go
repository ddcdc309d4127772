package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"legion/internal/mcp"
	"legion/internal/quota"
	"legion/internal/types"
	"legion/internal/usage"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show rolling quota usage per API key against the configured ceilings",
	RunE:  runQuota,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show cumulative model usage by model, key, minion, channel and stage",
	RunE:  runUsage,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Connect to the configured tool servers and list their tools",
	RunE:  runTools,
}

// keyCmd manages stored API keys. Keys in config.yaml are listed too but
// can only be changed there.
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage stored API keys",
}

var keyAddCmd = &cobra.Command{
	Use:   "add [secret]",
	Short: "Store an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyAdd,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runKeyList,
}

var keyRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRm,
}

func init() {
	keyAddCmd.Flags().String("label", "", "Human-readable label")
	keyAddCmd.Flags().StringSlice("models", nil, "Models the key may serve (default: any)")

	keyCmd.AddCommand(keyAddCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRmCmd)
}

func runQuota(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openReader(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ledger := quota.NewLedger(a.cfg.Quotas)
	if err := ledger.Load(ctx, a.kv); err != nil {
		return err
	}
	printQuota(cmd.OutOrStdout(), ledger, a.cfg.Quotas)
	return nil
}

func printQuota(out io.Writer, ledger *quota.Ledger, limits map[string]types.QuotaLimit) {
	fmt.Fprintln(out, headerStyle.Render("Ceilings"))
	models := make([]string, 0, len(limits))
	for m := range limits {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		lim, scope, _ := ledger.Limit(m)
		pool := ""
		if scope != m {
			pool = dimStyle.Render(" pool " + scope)
		}
		fmt.Fprintf(out, "  %-28s rpm=%-5s tpm=%-8s rpd=%-6s%s\n",
			m, ceiling(lim.RPM), ceiling(lim.TPM), ceiling(lim.RPD), pool)
	}

	report := ledger.Report()
	fmt.Fprintln(out, headerStyle.Render("Usage"))
	if len(report) == 0 {
		fmt.Fprintln(out, dimStyle.Render("  no calls recorded"))
		return
	}
	for _, u := range report {
		fmt.Fprintf(out, "  %-12s %-28s req/min=%-4d tok/min=%-8d req/day=%-5d pending=%d\n",
			u.KeyID, u.Scope, u.RequestsMinute, u.TokensMinute, u.RequestsDay, u.Pending)
	}
}

func ceiling(n int) string {
	if n >= types.QuotaUnmonitored {
		return "-"
	}
	return fmt.Sprint(n)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tracker, err := usage.NewTracker(cfg.DataDir)
	if err != nil {
		return err
	}
	printUsage(cmd.OutOrStdout(), tracker.Stats())
	return nil
}

func printUsage(out io.Writer, s usage.AggregatedStats) {
	fmt.Fprintf(out, "%s %d calls, %d tokens\n", headerStyle.Render("Total"), s.Total.Calls, s.Total.Tokens)
	section := func(title string, m map[string]usage.TokenCounts) {
		if len(m) == 0 {
			return
		}
		fmt.Fprintln(out, headerStyle.Render(title))
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %-28s calls=%-6d tokens=%d\n", k, m[k].Calls, m[k].Tokens)
		}
	}
	section("By model", s.ByModel)
	section("By key", s.ByKey)
	section("By minion", s.ByMinion)
	section("By channel", s.ByChannel)
	section("By stage", s.ByOperation)
}

func runTools(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(a.cfg.MCPServers) == 0 {
		fmt.Fprintln(out, "No tool servers configured (mcp_servers in config.yaml).")
		return nil
	}

	mgr := mcp.NewManager(a.cfg.MCPServers, a.kv)
	defer mgr.Close()
	connectErr := mgr.ConnectAll(ctx)

	for _, s := range mgr.Servers() {
		fmt.Fprintf(out, "%s %s %s\n", headerStyle.Render(s.ID), s.Protocol, dimStyle.Render(string(s.Status)))
		tools, err := mgr.CachedTools(ctx, s.ID)
		if err != nil {
			fmt.Fprintf(out, "  %s\n", errorStyle.Render(err.Error()))
			continue
		}
		for _, t := range tools {
			fmt.Fprintf(out, "  %-32s %s\n", s.ID+"/"+t.Name, firstLine(t.Description))
		}
	}
	if connectErr != nil {
		fmt.Fprintln(out, errorStyle.Render(connectErr.Error()))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func runKeyAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	label, _ := cmd.Flags().GetString("label")
	models, _ := cmd.Flags().GetStringSlice("models")
	key, err := a.repo.SaveAPIKey(ctx, types.ApiKey{Label: label, Secret: args[0], Models: models})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored key %s\n", key.ID)
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openReader(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.allKeys(ctx, a.cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("API keys"))
	for _, k := range keys {
		src := "stored"
		if _, ok := a.cfg.FindAPIKey(k.ID); ok {
			src = "config"
		}
		models := "any"
		if len(k.Models) > 0 {
			models = strings.Join(k.Models, ",")
		}
		fmt.Fprintf(out, "  %-38s %-16s %s models=%s %s\n", k.ID, k.Label, maskSecret(k.Secret), models, dimStyle.Render(src))
	}
	return nil
}

func runKeyRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, ok := a.cfg.FindAPIKey(args[0]); ok {
		return fmt.Errorf("key %s is defined in %s; remove it there", args[0], configPath)
	}
	if err := a.repo.DeleteAPIKey(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %s\n", args[0])
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 8) + s[len(s)-4:]
}
