package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaycrm/relay/internal/config"
)

var (
	approvalsTenant         string
	approvalsUser           string
	approvalsIncludeExpired bool
	approvalsJSON           bool
	approvalsNote           string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve pending approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalsRespond(cmd, args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalsRespond(cmd, args[0], false)
	},
}

var approvalsBulkCmd = &cobra.Command{
	Use:   "bulk <anchor-request-id>",
	Short: "Approve a request and all similar pending requests from the same user",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsBulk,
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsTenant, "tenant", "default", "tenant ID")
	approvalsCmd.PersistentFlags().StringVar(&approvalsUser, "user", "operator", "acting user ID")
	approvalsListCmd.Flags().BoolVar(&approvalsIncludeExpired, "include-expired", false, "also list expired requests")
	approvalsListCmd.Flags().BoolVar(&approvalsJSON, "json", false, "output JSON")
	approvalsApproveCmd.Flags().StringVar(&approvalsNote, "note", "", "resolution note")
	approvalsRejectCmd.Flags().StringVar(&approvalsNote, "note", "", "resolution note")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsBulkCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "approvals.list")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	requests, err := rt.approvals.GetPendingApprovals(ctx, approvalsTenant, "", approvalsIncludeExpired)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}

	if approvalsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(requests)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tACTION\tCHANNEL\tRISK\tSTATUS\tEXPIRES")
	for _, r := range requests {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.UserID, r.Action.ActionType, r.Action.Channel,
			r.Action.RiskBand, r.Status, r.ExpiresAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runApprovalsRespond(cmd *cobra.Command, requestID string, approve bool) error {
	ctx, span := tracer.Start(cmd.Context(), "approvals.respond")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	resolved, err := rt.approvals.ProcessApprovalResponse(ctx, approvalsTenant, requestID, approvalsUser, approve, approvalsNote)
	if err != nil {
		return fmt.Errorf("resolving approval: %w", err)
	}
	fmt.Printf("%s %s by %s\n", resolved.ID, resolved.Status, resolved.ResolvedBy)
	return nil
}

func runApprovalsBulk(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "approvals.bulk")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	fields := rt.tenants.Policy(ctx, approvalsTenant).BulkApproval.SimilarityFields
	approved, err := rt.approvals.ApplyBulkApproval(ctx, approvalsTenant, args[0], approvalsUser, fields)
	if err != nil {
		return fmt.Errorf("bulk approval: %w", err)
	}
	fmt.Printf("approved %d requests\n", approved)
	return nil
}

// openRuntime loads config and opens the stores for one-shot CLI commands.
func openRuntime() (*appRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return newAppRuntime(cfg)
}
