package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaycrm/relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Relay configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("data_dir:                  %s\n", cfg.DataDir)
		fmt.Printf("default_policy:            %s\n", cfg.DefaultPolicy)
		fmt.Printf("planner_model:             %s\n", cfg.PlannerModel)
		fmt.Printf("validator_model:           %s\n", cfg.ValidatorModel)
		fmt.Printf("llm_base_url:              %s\n", orDefault(cfg.LLMBaseURL, "(default)"))
		fmt.Printf("llm_max_attempts:          %d\n", cfg.LLMMaxAttempts)
		fmt.Printf("approval_ttl_minutes:      %d\n", cfg.ApprovalTTLMin)
		fmt.Printf("trace_retention_days:      %d\n", cfg.TraceRetention)
		fmt.Printf("industry_filtered_lookups: %t\n", cfg.IndustryLookups)
		fmt.Printf("signing_key:               %s\n", redactKey(cfg.SigningKey))
		fmt.Printf("vault_key:                 %s\n", redactKey(cfg.VaultKey))
		fmt.Printf("openai_api_key:            %s\n", redactKey(cfg.OpenAIAPIKey))
		if cfg.UsingDefaultKeys() {
			fmt.Println("\nWARNING: one or more crypto keys are generated defaults")
		}
		return nil
	},
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func redactKey(key string) string {
	if key == "" {
		return "(unset)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
