// Command tissctl builds and checks TISS documents offline.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/config"
	"github.com/atendebem/go-atende/internal/domain/controlled"
	"github.com/atendebem/go-atende/internal/tiss"
)

// errInvalid makes the process exit non-zero after the report was printed.
var errInvalid = errors.New("document is invalid")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tissctl",
		Short:         "Offline tools for TISS guides, lots and controlled substances",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(buildCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(tokenCmd())
	return root
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Render guide or lot XML from JSON",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "guide FILE",
		Short: "Render one guide fragment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var g tiss.Guide
			if err := readJSON(cmd, args[0], &g); err != nil {
				return err
			}
			out, err := tiss.BuildGuideXML(g)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	lot := &cobra.Command{
		Use:   "submission FILE",
		Short: "Render a mensagemTISS lot from a JSON array of guides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var guides []tiss.Guide
			if err := readJSON(cmd, args[0], &guides); err != nil {
				return err
			}
			if len(guides) == 0 {
				return errors.New("no guides in input")
			}
			lotNumber, _ := cmd.Flags().GetInt64("lot")
			txSeq, _ := cmd.Flags().GetInt64("transaction")
			provider, _ := cmd.Flags().GetString("provider")
			insurer, _ := cmd.Flags().GetString("insurer")
			at, _ := cmd.Flags().GetString("timestamp")

			if provider == "" {
				provider = guides[0].Contractor.OperatorCode
			}
			if insurer == "" {
				insurer = guides[0].RegistroANS
			}
			ts := time.Now()
			if at != "" {
				var err error
				if ts, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--timestamp: %w", err)
				}
			}

			sub, err := tiss.BuildSubmissionXML(tiss.SubmissionHeader{
				TransactionSequence: txSeq,
				LotNumber:           lotNumber,
				ProviderCode:        provider,
				RegistroANS:         insurer,
				Timestamp:           ts,
			}, guides)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(sub.XML); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "guides=%d total=%s hash=%s\n", sub.GuideCount, sub.Total, sub.Hash)
			return nil
		},
	}
	lot.Flags().Int64("lot", 1, "lot number (numeroLote)")
	lot.Flags().Int64("transaction", 1, "transaction sequence (sequencialTransacao)")
	lot.Flags().String("provider", "", "provider code at the insurer; defaults to the first guide's contractor")
	lot.Flags().String("insurer", "", "insurer ANS registry; defaults to the first guide's")
	lot.Flags().String("timestamp", "", "RFC 3339 transaction time; defaults to now")
	cmd.AddCommand(lot)

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Structural check of a mensagemTISS document (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			res := tiss.Validate(doc)
			out := cmd.OutOrStdout()
			if res.Valid {
				fmt.Fprintln(out, "valid")
				return nil
			}
			for _, e := range res.Errors {
				fmt.Fprintln(out, "error:", e)
			}
			return errInvalid
		},
	}
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify NAME...",
		Short: "Classify medication names against the controlled substance table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("table")
			table, err := controlled.LoadTable(path)
			if err != nil {
				return err
			}
			c := controlled.NewClassifier(table)

			type row struct {
				Name string `json:"name"`
				controlled.Classification
			}
			rows := make([]row, 0, len(args))
			for _, name := range args {
				rows = append(rows, row{Name: name, Classification: c.Classify(name)})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"table_version": c.Version(), "results": rows})
		},
	}
	cmd.Flags().String("table", "", "YAML table path; the built-in table when empty")
	return cmd
}

// tokenCmd mints a bearer token for local development against JWT_SECRET.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			scope := auth.Scope{TenantID: tenant, UserID: user, Role: role}
			if err := scope.Validate(); err != nil {
				return err
			}
			now := time.Now()
			token, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer).Sign(scope, jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("user", "", "user id (sub claim)")
	cmd.Flags().String("role", "doctor", "role claim")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func readJSON(cmd *cobra.Command, path string, v interface{}) error {
	raw, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
