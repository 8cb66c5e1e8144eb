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
	proceduresTenant string
	proceduresAction string
	proceduresLimit  int
	proceduresJSON   bool
)

var proceduresCmd = &cobra.Command{
	Use:   "procedures",
	Short: "Inspect stored replay procedures and planning traces",
}

var proceduresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's replay procedures",
	RunE:  runProceduresList,
}

var proceduresShowCmd = &cobra.Command{
	Use:   "show <procedure-id>",
	Short: "Show one procedure as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runProceduresShow,
}

var proceduresTracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "List recent planning traces",
	RunE:  runProceduresTraces,
}

var proceduresPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge planning traces past the configured retention",
	RunE:  runProceduresPurge,
}

func init() {
	proceduresCmd.PersistentFlags().StringVar(&proceduresTenant, "tenant", "default", "tenant ID")
	proceduresListCmd.Flags().StringVar(&proceduresAction, "action", "", "filter by action type")
	proceduresListCmd.Flags().IntVar(&proceduresLimit, "limit", 50, "maximum rows")
	proceduresListCmd.Flags().BoolVar(&proceduresJSON, "json", false, "output JSON")
	proceduresTracesCmd.Flags().IntVar(&proceduresLimit, "limit", 50, "maximum rows")

	proceduresCmd.AddCommand(proceduresListCmd, proceduresShowCmd, proceduresTracesCmd, proceduresPurgeCmd)
	rootCmd.AddCommand(proceduresCmd)
}

func runProceduresList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "procedures.list")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	plans, err := rt.procStore.List(ctx, proceduresTenant, proceduresAction, proceduresLimit)
	if err != nil {
		return fmt.Errorf("listing procedures: %w", err)
	}

	if proceduresJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plans)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tCHANNEL\tORG\tINDUSTRY\tVERSION\tENABLED\tSTEPS")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%d\n",
			p.ID, p.ActionType, p.Channel, p.OrganizationID, p.Industry,
			p.Version, p.Enabled, len(p.Steps))
	}
	return w.Flush()
}

func runProceduresShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "procedures.show")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	plan, err := rt.procStore.Get(ctx, proceduresTenant, args[0])
	if err != nil {
		return fmt.Errorf("loading procedure: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func runProceduresTraces(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "procedures.traces")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	traces, err := rt.procStore.Traces(ctx, proceduresTenant, proceduresLimit)
	if err != nil {
		return fmt.Errorf("listing traces: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tCHANNEL\tOUTCOME\tCREATED")
	for _, tr := range traces {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			tr.ID, tr.ActionType, tr.Channel, tr.Outcome,
			tr.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runProceduresPurge(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "procedures.purge")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	rt, err := newAppRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	purged, err := rt.procStore.PurgeTraces(ctx, cfg.TraceRetention)
	if err != nil {
		return fmt.Errorf("purging traces: %w", err)
	}
	fmt.Printf("purged %d traces older than %d days\n", purged, cfg.TraceRetention)
	return nil
}
