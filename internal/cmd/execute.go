package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/config"
)

var (
	execTenant     string
	execUser       string
	execOrg        string
	execContact    string
	execActionType string
	execChannel    string
	execIndustry   string
	execRisk       string
	execMode       string
	execParams     []string
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run one action request through the engine locally",
	Long: `Runs a single agent action request through replay lookup, validation,
and execution without starting the HTTP server. The execution result is
printed as JSON on stdout.`,
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&execTenant, "tenant", "default", "tenant ID")
	executeCmd.Flags().StringVar(&execUser, "user", "operator", "acting user ID")
	executeCmd.Flags().StringVar(&execOrg, "org", "", "organization ID (optional)")
	executeCmd.Flags().StringVar(&execContact, "contact", "", "contact ID (optional)")
	executeCmd.Flags().StringVar(&execActionType, "action", "", "action type (required)")
	executeCmd.Flags().StringVar(&execChannel, "channel", "", "channel (required)")
	executeCmd.Flags().StringVar(&execIndustry, "industry", "", "industry (optional)")
	executeCmd.Flags().StringVar(&execRisk, "risk", "low", "risk band (low, medium, high, critical)")
	executeCmd.Flags().StringVar(&execMode, "mode", "", "override mode (always_ask, never_ask, risk_based, llm_decision)")
	executeCmd.Flags().StringArrayVar(&execParams, "param", nil, "action parameter as key=value (repeatable)")
	_ = executeCmd.MarkFlagRequired("action")
	_ = executeCmd.MarkFlagRequired("channel")
	rootCmd.AddCommand(executeCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", execTenant),
		attribute.String("action_type", execActionType),
	)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	rt, err := newAppRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	params := make(action.Params, len(execParams))
	for _, kv := range execParams {
		key, value, ok := splitKeyValue(kv)
		if !ok {
			return fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[key] = value
	}

	// An unset mode defers to the tenant policy default.
	var overrides action.UserOverrides
	if execMode != "" {
		overrides.Mode = action.ParseOverrideMode(execMode)
	}

	req := &action.AgentRequest{
		TenantID:       execTenant,
		OrganizationID: execOrg,
		UserID:         execUser,
		ContactID:      execContact,
		ActionType:     execActionType,
		Channel:        execChannel,
		Industry:       execIndustry,
		RiskBand:       action.RiskBand(execRisk),
		Params:         params,
		Overrides:      overrides,
	}

	orch, err := rt.For(ctx, execTenant)
	if err != nil {
		return err
	}
	result := orch.Handle(ctx, req)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success && !result.OverrideRequired {
		return fmt.Errorf("action not executed: %s", result.Error)
	}
	return nil
}

func splitKeyValue(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}
