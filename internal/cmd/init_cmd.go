package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `# Relay infrastructure configuration.
# Every key can also be set via environment variable with the RELAY_ prefix
# (e.g. RELAY_SIGNING_KEY).

# data_dir: ~/.relay
# signing_key: <32+ bytes or 64 hex chars>
# vault_key: <32 bytes or 64 hex chars>
# openai_api_key: sk-...
# llm_base_url: ""
planner_model: gpt-4o
validator_model: gpt-4o-mini
llm_max_attempts: 3
approval_ttl_minutes: 1440
trace_retention_days: 90
industry_filtered_lookups: true

tenants:
  - id: default
    display_name: Default tenant
    # policy_path: relay.policy.yaml
    rate_limit: 10
    daily_limit: 0
`

const samplePolicy = `version: "1"

override:
  mode: risk_based
  risk_threshold: medium

risk:
  max_risk_band: high
  blocked_action_types: []

channels:
  allowed: [email, sms, call, task]
  quiet_hours:
    enabled: true
    start_hour: 21
    end_hour: 8
    channels: [sms, call]

relevance:
  criteria:
    - name: no_followup_after_conversion
      applies_to: [follow_up]
      expr: "!(contact.converted)"
      reason: contact already converted

bulk_approval:
  similarity_fields: [template, channel]
`

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write sample relay.config.yaml and relay.policy.yaml to the current directory",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	_, span := tracer.Start(cmd.Context(), "init")
	defer span.End()

	files := map[string]string{
		"relay.config.yaml": sampleConfig,
		"relay.policy.yaml": samplePolicy,
	}
	for name, content := range files {
		if _, err := os.Stat(name); err == nil && !initForce {
			fmt.Printf("skipping %s (exists, use --force to overwrite)\n", name)
			continue
		}
		if err := os.WriteFile(name, []byte(content), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		fmt.Printf("wrote %s\n", name)
	}
	return nil
}
