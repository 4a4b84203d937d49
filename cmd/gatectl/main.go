// Package main implements the gatectl command-line tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/witlox/accessgate/internal/auth/jwt"
	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/internal/config"
	"github.com/witlox/accessgate/pkg/client"
	"github.com/witlox/accessgate/pkg/models"
	"github.com/witlox/accessgate/pkg/postgres"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Access gate CLI",
		Long:          `gatectl requests and redeems download tokens and administers an access gateway.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Config file path")
	root.PersistentFlags().String("api-url", "http://localhost:8080", "Access gateway URL")
	root.PersistentFlags().Bool("json", false, "Output in JSON format")

	root.AddCommand(newAccessCmd(), newTokenCmd(), newAuditCmd(), newCatalogCmd(), newMigrateCmd(), newAdminTokenCmd())
	return root
}

// getClient creates an API client from the command flags. The admin token
// is read from ACCESSGATE_ADMIN_TOKEN and the collaborator token used for
// access requests from ACCESSGATE_SERVICE_TOKEN.
func getClient(cmd *cobra.Command) *client.Client {
	apiURL, _ := cmd.Root().PersistentFlags().GetString("api-url")
	return client.New(client.Config{
		BaseURL:      apiURL,
		AdminToken:   os.Getenv("ACCESSGATE_ADMIN_TOKEN"),
		ServiceToken: os.Getenv("ACCESSGATE_SERVICE_TOKEN"),
		Timeout:      30 * time.Second,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = os.Getenv("ACCESSGATE_CONFIG")
	}
	return config.Load(path)
}

// output writes v as indented JSON with --json and calls text otherwise.
func output(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Root().PersistentFlags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// ============================================================================
// Access Commands
// ============================================================================

func newAccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Request and redeem download tokens",
	}

	request := &cobra.Command{
		Use:   "request <product-id>",
		Short: "Request a download token for a product",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccessRequest,
	}
	request.Flags().String("holder", "", "Holder identity (required)")
	request.Flags().String("proof", "", "Proof type (email, payment, custom)")
	request.Flags().String("address", "", "Email address for email proofs")
	request.Flags().Bool("verified", false, "Payment verified flag for payment proofs")
	request.Flags().String("tx-ref", "", "Transaction reference for payment proofs")
	request.Flags().String("payload", "", "JSON payload for custom proofs")
	_ = request.MarkFlagRequired("holder")

	redeem := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Redeem a download token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := getClient(cmd).Redeem(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("redeem: %w", err)
			}
			return output(cmd, auth, func(w io.Writer) {
				fmt.Fprintf(w, "Asset: %s\nValid until: %s\nRemaining: %s\n",
					auth.AssetLocation, auth.ValidUntil.Format(time.RFC3339), remaining(auth.Remaining))
			})
		},
	}

	cmd.AddCommand(request, redeem)
	return cmd
}

func runAccessRequest(cmd *cobra.Command, args []string) error {
	holder, _ := cmd.Flags().GetString("holder")
	proof, err := proofFromFlags(cmd)
	if err != nil {
		return err
	}

	grant, err := getClient(cmd).RequestAccess(cmd.Context(), client.AccessRequest{
		ProductID: args[0],
		Holder:    holder,
		Proof:     proof,
	})
	if err != nil {
		return fmt.Errorf("request access: %w", err)
	}

	return output(cmd, grant, func(w io.Writer) {
		fmt.Fprintf(w, "Token: %s\nToken ID: %s\n", grant.Token, grant.TokenID)
		if grant.ExpiresAt != nil {
			fmt.Fprintf(w, "Expires: %s\n", grant.ExpiresAt.Format(time.RFC3339))
		}
		if grant.Unlimited {
			fmt.Fprintln(w, "Redemptions: unlimited")
		} else {
			fmt.Fprintf(w, "Redemptions: %d\n", grant.MaxRedemptions)
		}
	})
}

func proofFromFlags(cmd *cobra.Command) (*client.Proof, error) {
	kind, _ := cmd.Flags().GetString("proof")
	if kind == "" {
		return nil, nil
	}
	p := &client.Proof{Type: models.ProofKind(kind)}
	switch p.Type {
	case models.ProofKindEmail:
		p.Address, _ = cmd.Flags().GetString("address")
	case models.ProofKindPayment:
		p.Verified, _ = cmd.Flags().GetBool("verified")
		p.TransactionRef, _ = cmd.Flags().GetString("tx-ref")
	case models.ProofKindCustom:
		raw, _ := cmd.Flags().GetString("payload")
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &p.Payload); err != nil {
				return nil, fmt.Errorf("--payload: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("--proof must be email, payment or custom")
	}
	return p, nil
}

func remaining(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

// ============================================================================
// Token Commands
// ============================================================================

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Administer download tokens",
		Long:  `Revoke and inspect download tokens. Requires ACCESSGATE_ADMIN_TOKEN.`,
	}

	revoke := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a download token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := getClient(cmd).Revoke(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("revoke: %w", err)
			}
			return output(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "Token %s revoked\n", result.TokenID)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <token>",
		Short: "Show a token and its redemption history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := getClient(cmd).Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return output(cmd, status, func(w io.Writer) {
				tok := status.Token
				fmt.Fprintf(w, "ID: %s\nProduct: %s\nHolder: %s\nRedeemed: %d\nRevoked: %t\n",
					tok.ID, tok.ProductID, tok.HolderIdentity, tok.RedemptionCount, tok.IsRevoked)
				for _, r := range status.Records {
					fmt.Fprintf(w, "  %s  %s\n", r.RedeemedAt.Format(time.RFC3339), r.Outcome)
				}
			})
		},
	}

	cmd.AddCommand(revoke, status)
	return cmd
}

// ============================================================================
// Audit Commands
// ============================================================================

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit log",
	}

	query := &cobra.Command{
		Use:   "query",
		Short: "Query audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := client.AuditQueryParams{}
			params.EventType, _ = cmd.Flags().GetString("event-type")
			params.ProductID, _ = cmd.Flags().GetString("product")
			params.TokenID, _ = cmd.Flags().GetString("token-id")
			params.Result, _ = cmd.Flags().GetString("result")
			params.Limit, _ = cmd.Flags().GetInt("limit")
			var err error
			if params.Since, err = timeFlag(cmd, "since"); err != nil {
				return err
			}
			if params.Until, err = timeFlag(cmd, "until"); err != nil {
				return err
			}

			events, err := getClient(cmd).QueryAudit(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("query audit: %w", err)
			}
			return output(cmd, events, func(w io.Writer) {
				for _, ev := range events {
					fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n",
						ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.Actor, ev.Result, ev.ProductID, ev.Reason)
				}
			})
		},
	}
	query.Flags().String("event-type", "", "Filter by event type")
	query.Flags().String("product", "", "Filter by product ID")
	query.Flags().String("token-id", "", "Filter by token ID")
	query.Flags().String("result", "", "Filter by result (success, denied, error)")
	query.Flags().String("since", "", "Start time (RFC3339)")
	query.Flags().String("until", "", "End time (RFC3339)")
	query.Flags().Int("limit", 100, "Maximum results")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			since, err := timeFlag(cmd, "since")
			if err != nil {
				return err
			}
			until, err := timeFlag(cmd, "until")
			if err != nil {
				return err
			}
			valid, err := getClient(cmd).VerifyAudit(cmd.Context(), since, until)
			if err != nil {
				return fmt.Errorf("verify audit: %w", err)
			}
			if err := output(cmd, map[string]bool{"valid": valid}, func(w io.Writer) {
				if valid {
					fmt.Fprintln(w, "Audit chain intact")
				} else {
					fmt.Fprintln(w, "Audit chain BROKEN")
				}
			}); err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("audit chain verification failed")
			}
			return nil
		},
	}
	verify.Flags().String("since", "", "Start time (RFC3339)")
	verify.Flags().String("until", "", "End time (RFC3339)")

	cmd.AddCommand(query, verify)
	return cmd
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// ============================================================================
// Database Commands
// ============================================================================

func openDB(cmd *cobra.Command) (*postgres.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := postgres.OpenConfig(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the product catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import products and gates from a YAML catalog into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				gates := 0
				for _, e := range f.Products {
					gates += len(e.Gates)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Catalog valid: %d products, %d gates\n", len(f.Products), gates)
				return nil
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := db.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			products, gates, err := catalog.Import(cmd.Context(), postgres.NewCatalogRepository(db), f)
			if err != nil {
				return fmt.Errorf("import catalog: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d products, %d gates\n", products, gates)
			return nil
		},
	}
	importCmd.Flags().Bool("dry-run", false, "Validate the catalog without writing")

	cmd.AddCommand(importCmd)
	return cmd
}

// ============================================================================
// Admin Token
// ============================================================================

func newAdminTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin-token <subject>",
		Short: "Mint an admin bearer token from the configured secret",
		Long: `Mint an admin bearer token from the configured secret.

With --collaborator the token is minted for a verification service instead
and authorizes POST /api/v1/access only (see ACCESSGATE_SERVICE_TOKEN).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			audience, defaultRole := cfg.Auth.Audience, cfg.Auth.AdminRole
			if collaborator, _ := cmd.Flags().GetBool("collaborator"); collaborator {
				audience, defaultRole = cfg.Auth.CollaboratorAudience, cfg.Auth.CollaboratorRole
			}
			validator, err := jwt.NewValidator(jwt.Config{
				Secret:   []byte(cfg.Auth.JWTSecret),
				Issuer:   cfg.Auth.Issuer,
				Audience: audience,
			})
			if err != nil {
				return err
			}

			ttl, _ := cmd.Flags().GetDuration("ttl")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			if len(roles) == 0 {
				roles = []string{defaultRole}
			}
			tok, err := validator.Mint(args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "roles: %s, expires in %s\n", strings.Join(roles, ","), ttl)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringSlice("roles", nil, "Roles to grant (default: auth.admin_role or auth.collaborator_role)")
	cmd.Flags().Bool("collaborator", false, "Mint a collaborator token for access requests")
	return cmd
}
