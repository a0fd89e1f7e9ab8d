package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fablehq/fable/internal/daemon"
	"github.com/fablehq/fable/internal/domain"
)

// ─── Ring CLI ───────────────────────────────────────────────────────────────
// Operator commands for inspecting and driving the ring ledger. They talk
// to a running fabled over its HTTP API rather than opening the database,
// so the daemon keeps its single-writer discipline.

func init() {
	rootCmd.AddCommand(ringCmd)
	ringCmd.AddCommand(ringBalanceCmd)
	ringCmd.AddCommand(ringSummaryCmd)
	ringCmd.AddCommand(ringLedgerCmd)
	ringCmd.AddCommand(ringModeCmd)
	ringCmd.AddCommand(ringPromoteCmd)
	ringCmd.AddCommand(ringReconcileCmd)

	ringLedgerCmd.Flags().String("type", "", "Filter by event type (EARN, SPEND, PENALTY, ADJUSTMENT)")
	ringLedgerCmd.Flags().Int("limit", 20, "Maximum entries to show")
	ringPromoteCmd.Flags().Int("limit", 100, "Maximum pending rewards to promote")
}

var ringCmd = &cobra.Command{
	Use:   "ring",
	Short: "Inspect and operate the ring ledger",
}

// ─── ring balance ───────────────────────────────────────────────────────────

var ringBalanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's spendable ring balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			UserID  string `json:"user_id"`
			Balance int64  `json:"balance"`
		}
		if err := apiGet("/api/ring/balance/"+args[0], &out); err != nil {
			return err
		}
		fmt.Printf("%s: %d rings\n", out.UserID, out.Balance)
		return nil
	},
}

// ─── ring summary ───────────────────────────────────────────────────────────

var ringSummaryCmd = &cobra.Command{
	Use:   "summary USER_ID",
	Short: "Show balance, pending rewards, and recent activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			UserID           string               `json:"user_id"`
			Balance          int64                `json:"balance"`
			PendingTotal     int64                `json:"pending_total"`
			EffectiveBalance int64                `json:"effective_balance"`
			RecentEntries    []domain.LedgerEntry `json:"recent_entries"`
		}
		if err := apiGet("/api/ring/summary/"+args[0], &out); err != nil {
			return err
		}

		fmt.Printf("User:      %s\n", out.UserID)
		fmt.Printf("Balance:   %d\n", out.Balance)
		fmt.Printf("Pending:   %d\n", out.PendingTotal)
		fmt.Printf("Effective: %d\n", out.EffectiveBalance)
		if len(out.RecentEntries) > 0 {
			fmt.Println()
			printEntries(out.RecentEntries)
		}
		return nil
	},
}

// ─── ring ledger ────────────────────────────────────────────────────────────

var ringLedgerCmd = &cobra.Command{
	Use:   "ledger USER_ID",
	Short: "Show a user's ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		path := "/api/ring/ledger/" + args[0] + "?limit=" + strconv.Itoa(limit)
		if et != "" {
			path += "&type=" + et
		}
		var out struct {
			Entries []domain.LedgerEntry `json:"entries"`
		}
		if err := apiGet(path, &out); err != nil {
			return err
		}
		if len(out.Entries) == 0 {
			fmt.Println("No entries.")
			return nil
		}
		printEntries(out.Entries)
		return nil
	},
}

func printEntries(entries []domain.LedgerEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tAMOUNT\tBALANCE\tREASON\tAT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			e.ID, e.EventType, e.Amount, e.BalanceAfter, e.ReasonCode,
			e.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

// ─── ring mode ──────────────────────────────────────────────────────────────

var ringModeCmd = &cobra.Command{
	Use:   "mode [off|shadow|live]",
	Short: "Show or switch the issuance mode",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Mode string `json:"mode"`
		}
		if len(args) == 0 {
			if err := apiGet("/api/ring/mode", &out); err != nil {
				return err
			}
			fmt.Printf("Issuance mode: %s\n", out.Mode)
			return nil
		}

		if err := apiPost("/api/ring/mode", map[string]string{"mode": args[0]}, &out); err != nil {
			return err
		}
		fmt.Printf("Issuance mode is now %s\n", out.Mode)
		if out.Mode == string(domain.ModeLive) {
			fmt.Println("Note: pending shadow rewards are NOT issued automatically.")
			fmt.Println("Run 'fable ring promote' to issue them.")
		}
		return nil
	},
}

// ─── ring promote ───────────────────────────────────────────────────────────

var ringPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Issue open pending rewards into the ledger",
	Long: `Promote shadow-mode pending rewards into real ledger entries.
Each reward passes through the guardrail again at promotion time; rewards
for users who have since hit their caps are rejected, not issued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var stats struct {
			Scanned  int `json:"scanned"`
			Issued   int `json:"issued"`
			Rejected int `json:"rejected"`
			Replayed int `json:"replayed"`
			Failed   int `json:"failed"`
		}
		if err := apiPost("/api/ring/promote", map[string]int{"limit": limit}, &stats); err != nil {
			return err
		}
		fmt.Printf("Scanned %d pending rewards: %d issued, %d rejected, %d replayed, %d failed\n",
			stats.Scanned, stats.Issued, stats.Rejected, stats.Replayed, stats.Failed)
		return nil
	},
}

// ─── ring reconcile ─────────────────────────────────────────────────────────

var ringReconcileCmd = &cobra.Command{
	Use:   "reconcile USER_ID",
	Short: "Force one legacy mirror sync for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st struct {
			LastSyncAt time.Time `json:"last_sync_at"`
			LastError  string    `json:"last_error,omitempty"`
		}
		if err := apiPost("/api/ring/reconcile/"+args[0], map[string]string{}, &st); err != nil {
			return err
		}
		fmt.Printf("Synced at %s\n", st.LastSyncAt.Format(time.RFC3339))
		return nil
	},
}

// ─── HTTP client helpers ────────────────────────────────────────────────────

func apiBase() string {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		cfg = daemon.DefaultConfig()
	}
	return "http://" + cfg.API.Addr()
}

func apiGet(path string, out interface{}) error {
	resp, err := http.Get(apiBase() + path)
	if err != nil {
		return fmt.Errorf("is fabled running? %w", err)
	}
	return apiDecode(resp, out)
}

func apiPost(path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(apiBase()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("is fabled running? %w", err)
	}
	return apiDecode(resp, out)
}

func apiDecode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error.Code != "" {
			return fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
