package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/transsflow/fieldsync/internal/config"
	"github.com/transsflow/fieldsync/internal/intercept"
	"github.com/transsflow/fieldsync/internal/syncer"
)

type actionRow struct {
	ID            int64           `json:"id"`
	Endpoint      string          `json:"endpoint"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    string          `json:"enqueued_at"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt string          `json:"next_attempt_at"`
	Terminal      bool            `json:"terminal"`
	LastError     string          `json:"last_error"`
}

// --- outbox ---

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued writes",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		pending, _ := cmd.Flags().GetBool("pending")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listOutbox(cmd.Context(), client, limit, pending, asJSON)
	},
}

func listOutbox(ctx context.Context, client *apiClient, limit int, pending, asJSON bool) error {
	path := fmt.Sprintf("/outbox?limit=%d", limit)
	if pending {
		path = "/outbox?status=pending"
	}
	var rows []actionRow
	if _, err := client.call(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return err
	}
	if asJSON {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "Outbox is empty.")
		return nil
	}

	for _, r := range rows {
		status := r.Status
		if r.Terminal {
			status += " (needs retry)"
		}
		fmt.Fprintf(stdout, "%s  %-8s  %-28s  %s  attempts=%d\n",
			colorize(colorCyan, fmt.Sprintf("#%-5d", r.ID)),
			colorize(statusColor(r.Status), status),
			r.Endpoint,
			r.EnqueuedAt,
			r.Attempts,
		)
		if r.LastError != "" {
			fmt.Fprintf(stdout, "        last error: %s\n", r.LastError)
		}
	}
	return nil
}

var outboxSendCmd = &cobra.Command{
	Use:   "send <endpoint> <json | @file>",
	Short: "Send a write now, or queue it when offline",
	Long: `Send a write to the backend through the daemon. When the backend is
unreachable the write is saved locally and replayed later.

Examples:
  fieldsync outbox send /qa/api/workinfo/ '{"lot":"L-17","result":"pass"}'
  fieldsync outbox send /ipqc/api/audit/ @audit.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(args[1])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return sendAction(cmd.Context(), client, args[0], payload)
	},
}

// readPayload accepts inline JSON or @path.
func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("payload must be a JSON document")
	}
	return json.RawMessage(data), nil
}

func sendAction(ctx context.Context, client *apiClient, endpoint string, payload json.RawMessage) error {
	r, err := client.call(ctx, http.MethodPost, "/outbox", map[string]any{"endpoint": endpoint, "payload": payload}, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Outcome == "rejected" {
		return fmt.Errorf("backend rejected the write (HTTP %d): %s", apiErr.Status, apiErr.Body)
	}
	if err != nil {
		return err
	}

	switch r.Outcome {
	case "queued":
		var out syncer.Outcome
		if err := json.Unmarshal(r.Body, &out); err != nil {
			return fmt.Errorf("decoding queued outcome: %w", err)
		}
		printWarning("Offline: %s as action #%d", out.Message, out.ActionID)
	case "sent":
		printSuccess("Sent (HTTP %d)", r.Status)
		if len(r.Body) > 0 {
			fmt.Fprintln(stdout, string(r.Body))
		}
	default:
		return fmt.Errorf("daemon gave no outcome for the write (HTTP %d)", r.Status)
	}
	return nil
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove writes that were already delivered",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]int64
		if _, err := client.call(cmd.Context(), http.MethodDelete, "/outbox/synced", nil, &result); err != nil {
			return err
		}
		printSuccess("Removed %d delivered writes", result["removed"])
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry writes that stopped being retried automatically",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]int64
		if _, err := client.call(cmd.Context(), http.MethodPost, "/outbox/retry", nil, &result); err != nil {
			return err
		}
		if result["reset"] == 0 {
			printSuccess("No failed writes to retry")
			return nil
		}
		printSuccess("Reset %d failed writes; sync triggered", result["reset"])
		return nil
	},
}

func init() {
	outboxListCmd.Flags().Int("limit", 50, "maximum number of writes to list")
	outboxListCmd.Flags().Bool("pending", false, "only writes not yet delivered")
	outboxListCmd.Flags().Bool("json", false, "print JSON")
	outboxCmd.AddCommand(outboxListCmd, outboxSendCmd, outboxClearCmd, outboxRetryCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run a sync pass and wait for its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return syncNow(cmd.Context(), client)
	},
}

func syncNow(ctx context.Context, client *apiClient) error {
	printStep("Syncing queued writes...")
	var rep syncer.Report
	_, err := client.call(ctx, http.MethodPost, "/sync", nil, &rep)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		printWarning("A sync pass is already running; another pass will follow it")
		return nil
	}
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

func printReport(rep syncer.Report) {
	switch {
	case rep.Synced == 0 && rep.Failed == 0:
		printSuccess("Nothing to sync")
	case rep.Failed == 0:
		printSuccess("Synced %d actions", rep.Synced)
	default:
		printWarning("Synced %d actions, %d failed", rep.Synced, rep.Failed)
	}
	if rep.Remaining > 0 {
		printStatus("Remaining", "%d", rep.Remaining)
	}
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and pending count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return printSyncStatus(cmd.Context(), client)
	},
}

func printSyncStatus(ctx context.Context, client *apiClient) error {
	var v syncer.StatusView
	if _, err := client.call(ctx, http.MethodGet, "/sync/status", nil, &v); err != nil {
		return err
	}

	online := "offline"
	if v.Online {
		online = "online"
	}
	printStatus("Connectivity", "%s", colorize(statusColor(online), online))
	printStatus("Sync", "%s", colorize(statusColor(string(v.Status)), string(v.Status)))
	printStatus("Pending", "%d", v.Pending)
	if !v.LastReport.FinishedAt.IsZero() {
		printStatus("Last pass", "%s: %d synced, %d failed",
			v.LastReport.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			v.LastReport.Synced, v.LastReport.Failed)
	}
	return nil
}

func init() {
	syncCmd.AddCommand(syncNowCmd, syncStatusCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline application cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st intercept.WorkerStatus
		if _, err := client.call(cmd.Context(), http.MethodGet, "/cache/status", nil, &st); err != nil {
			return err
		}
		printWorkerStatus(st)
		return nil
	},
}

func printWorkerStatus(st intercept.WorkerStatus) {
	printStatus("State", "%s", colorize(statusColor(string(st.State)), string(st.State)))
	printStatus("Active", "%s", orNone(st.Active))
	printStatus("Waiting", "%s", orNone(st.Waiting))
	printStatus("Controlling", "%t", st.Controlling)
	printStatus("Generations", "%s", orNone(strings.Join(st.Generations, ", ")))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

var cacheUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install the current manifest as a new cache generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Fetching manifest assets...")
		var st intercept.WorkerStatus
		if _, err := client.call(cmd.Context(), http.MethodPost, "/cache/install", nil, &st); err != nil {
			return err
		}
		if st.Waiting != "" {
			printSuccess("Installed %s; run `fieldsync cache activate` to switch", st.Waiting)
		} else {
			printSuccess("Cache generation %s is active", st.Active)
		}
		return nil
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Switch to the waiting cache generation now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return postMessage(cmd.Context(), client, intercept.Message{Type: intercept.MsgSkipWaiting})
	},
}

func postMessage(ctx context.Context, client *apiClient, msg intercept.Message) error {
	var result map[string]string
	if _, err := client.call(ctx, http.MethodPost, "/cache/messages", msg, &result); err != nil {
		return err
	}
	printSuccess("%s message %s", msg.Type, result["status"])
	return nil
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd, cacheUpdateCmd, cacheActivateCmd)
}

// --- connectivity ---

var connectivityCmd = &cobra.Command{
	Use:   "connectivity",
	Short: "Report or override reachability",
}

var connectivitySetCmd = &cobra.Command{
	Use:       "set <online|offline>",
	Short:     "Tell the daemon whether the backend is reachable",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		online, err := parseOnline(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return setConnectivity(cmd.Context(), client, online)
	},
}

func parseOnline(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "online", "up":
		return true, nil
	case "offline", "down":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected online or offline, got %q", s)
	}
	return b, nil
}

func setConnectivity(ctx context.Context, client *apiClient, online bool) error {
	var result struct {
		Online  bool `json:"online"`
		Changed bool `json:"changed"`
	}
	if _, err := client.call(ctx, http.MethodPut, "/connectivity", map[string]bool{"online": online}, &result); err != nil {
		return err
	}
	state := "offline"
	if result.Online {
		state = "online"
	}
	if !result.Changed {
		printSuccess("Already %s", state)
		return nil
	}
	printSuccess("Now %s", state)
	return nil
}

func init() {
	connectivityCmd.AddCommand(connectivitySetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Stored in", "%s", config.Location())
		for _, k := range config.ShowAll(cfg) {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.FromEnv {
				line += colorize(colorYellow, "  (from "+k.EnvVar+")")
			}
			fmt.Fprintln(stdout, line)
		}
		return nil
	},
}

func completeKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Set a configuration value",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:               "unset <key>",
	Short:             "Restore a configuration value to its default",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
