package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaycrm/relay/internal/secrets"
)

var (
	secretsTenant string
	secretsLimit  int
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage vaulted tenant credentials",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a credential (value read from RELAY_SECRET_VALUE or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's credential names and metadata",
	RunE:  runSecretsList,
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsDelete,
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Re-encrypt a credential with a fresh nonce",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsRotate,
}

var secretsAuditCmd = &cobra.Command{
	Use:   "access-log",
	Short: "Show a tenant's vault access log",
	RunE:  runSecretsAudit,
}

func init() {
	secretsCmd.PersistentFlags().StringVar(&secretsTenant, "tenant", secrets.OperatorScope, "tenant ID (empty for operator scope)")
	secretsAuditCmd.Flags().IntVar(&secretsLimit, "limit", 100, "maximum rows")

	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd, secretsRotateCmd, secretsAuditCmd)
	rootCmd.AddCommand(secretsCmd)
}

// secretValue reads the credential from RELAY_SECRET_VALUE, or stdin when
// unset. Values never appear in argv or shell history.
func secretValue() ([]byte, error) {
	if v := os.Getenv("RELAY_SECRET_VALUE"); v != "" {
		return []byte(v), nil
	}
	var value string
	if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
		return nil, fmt.Errorf("reading secret from stdin: %w", err)
	}
	return []byte(value), nil
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "secrets.set")
	defer span.End()

	value, err := secretValue()
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.vault.Set(ctx, secretsTenant, args[0], value); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	fmt.Printf("stored %s\n", args[0])
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "secrets.list")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.vault.List(ctx, secretsTenant)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tLAST ACCESS\tACCESS COUNT")
	for _, e := range entries {
		lastAccess := "-"
		if !e.AccessedAt.IsZero() {
			lastAccess = e.AccessedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			e.Name, e.CreatedAt.Format("2006-01-02 15:04"), lastAccess, e.AccessCount)
	}
	return w.Flush()
}

func runSecretsDelete(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "secrets.delete")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.vault.Delete(ctx, secretsTenant, args[0]); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runSecretsRotate(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "secrets.rotate")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.vault.Rotate(ctx, secretsTenant, args[0]); err != nil {
		return fmt.Errorf("rotating credential: %w", err)
	}
	fmt.Printf("rotated %s\n", args[0])
	return nil
}

func runSecretsAudit(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "secrets.access_log")
	defer span.End()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.vault.AccessLog(ctx, secretsTenant, secretsLimit)
	if err != nil {
		return fmt.Errorf("reading access log: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNAME\tFOUND\tFALLBACK")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Name, r.Found, r.Fallback)
	}
	return w.Flush()
}
