package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/auth"
	"github.com/iurnickita/keydelivery/internal/catalog"
	"github.com/iurnickita/keydelivery/internal/config"
	"github.com/iurnickita/keydelivery/internal/handler"
	"github.com/iurnickita/keydelivery/internal/store"
	"github.com/iurnickita/keydelivery/internal/token"
)

// NewRootCommand creates the keydelivery command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keydelivery",
		Short: "License key allocation and delivery",
		Long: `Allocates license keys from a shared pool to commerce orders and delivers them by email.

Configuration is read from the environment (DATABASE_URI, RUN_ADDRESS, ...).`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newCatalogCommand())
	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newResendCommand())
	cmd.AddCommand(newTokenCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP server with the deferred-delivery sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			go app.service.RunSweeper(ctx)

			auth := auth.NewAuth(app.cfg.Handler.AdminTokenSecret)
			if app.cfg.Handler.AdminTokenSecret == "" {
				app.zaplog.Warn("ADMIN_TOKEN_SECRET is not set, admin API is disabled")
			}
			if app.cfg.Handler.WebhookSecret == "" {
				app.zaplog.Warn("WEBHOOK_SECRET is not set, webhook signatures are not verified")
			}
			return handler.Serve(ctx, app.cfg.Handler, auth, app.service, app.zaplog)
		},
	}
}

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the product catalog",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Upsert products and variant overrides from a YAML catalog file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(file)
			if err != nil {
				return err
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := catalog.Apply(cmd.Context(), app.store, cat)
			if err != nil {
				return err
			}
			for _, p := range report.Products {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ID, p.PlatformRef, p.Title)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d products, %d variant overrides\n", len(report.Products), report.Variants)
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "catalog.yaml", "catalog file")
	cmd.AddCommand(apply)

	return cmd
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the license key pool",
	}

	var (
		product string
		variant string
		file    string
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import newline-separated keys for a product (platform product id)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			keys, err := readLines(r)
			if err != nil {
				return err
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.store.GetProductByPlatformRef(cmd.Context(), product)
			if err != nil {
				if errors.Is(err, store.ErrNoRows) {
					return fmt.Errorf("product %s is not in the catalog", product)
				}
				return err
			}
			res, err := app.service.ImportKeys(cmd.Context(), p.ID, variant, keys)
			if err != nil {
				return err
			}
			app.zaplog.Info("keys imported",
				zap.String("product", p.Title),
				zap.String("variant", variant),
				zap.Int("inserted", res.Inserted),
				zap.Int("duplicates", res.Duplicates))
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d, duplicates %d\n", res.Inserted, res.Duplicates)
			return nil
		},
	}
	importCmd.Flags().StringVar(&product, "product", "", "platform product id")
	importCmd.Flags().StringVar(&variant, "variant", "", "platform variant id for a dedicated pool")
	importCmd.Flags().StringVar(&file, "file", "-", "key file, - for stdin")
	importCmd.MarkFlagRequired("product")
	cmd.AddCommand(importCmd)

	return cmd
}

func newResendCommand() *cobra.Command {
	var credential string
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Re-send one delivered key to its customer with the current template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.service.ResendDelivery(cmd.Context(), credential); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential %s re-sent\n", credential)
			return nil
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "credential id")
	cmd.MarkFlagRequired("credential")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API bearer token signed with ADMIN_TOKEN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.GetConfig()
			if err != nil {
				return err
			}
			tokenString, err := token.BuildJWTString(cfg.Handler.AdminTokenSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tokenString)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", token.DefaultTTL, "token lifetime")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
