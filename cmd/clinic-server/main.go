package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/reporting"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Immunization clinic API server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(tokenCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			every, _ := cmd.Flags().GetDuration("remind-every")
			return runServer(appOptions{migrate: migrate}, every)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	cmd.Flags().Duration("remind-every", 0, "Dispatch due reminders on this interval (0 disables)")
	return cmd
}

func runServer(opts appOptions, remindEvery time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.close()

	e := a.server()

	if remindEvery > 0 {
		go a.runReminders(ctx, remindEvery)
		logger.Info().Dur("every", remindEvery).Msg("reminder dispatch scheduled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("clinic", cfg.ClinicName).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := migrator(pool, dir)
		if err != nil {
			return err
		}
		return fn(ctx, m, schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the vaccine and vitamin catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the loaded catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, _, err := openCatalog(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-4s %-24s %-6s %-8s %s\n", "ID", "VACCINE", "DOSES", "MIN AGE", "STOCK")
			for _, v := range svc.ListVaccines() {
				fmt.Fprintf(out, "%-4d %-24s %-6d %-8d %d\n", v.ID, v.Name, v.Doses, v.MinAgeYears, v.Stock)
			}
			fmt.Fprintf(out, "%-4s %-24s %-6s %-8s %s\n", "ID", "VITAMIN", "DOSES", "MG", "STOCK")
			for _, v := range svc.ListVitamins() {
				fmt.Fprintf(out, "%-4d %-24s %-6d %-8.1f %d\n", v.ID, v.Name, v.Doses, v.DosageMG, v.Stock)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load the catalog and fail if any row was skipped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, report, err := openCatalog(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d vaccine(s), %d vitamin(s), duplicate policy %s\n", report.Vaccines, report.Vitamins, svc.Policy())
			for _, msg := range report.Skipped {
				fmt.Fprintf(out, "skipped: %s\n", msg)
			}
			// Empty stock is reported but does not fail the check.
			for _, item := range svc.Items() {
				if item.StockLevel() <= 0 {
					fmt.Fprintf(out, "out of stock: %s (%s)\n", item.DisplayName(), item.Key())
				}
			}
			if n := len(report.Skipped); n > 0 {
				return fmt.Errorf("%d catalog row(s) skipped", n)
			}
			return nil
		},
	})
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render clinic reports",
	}

	monthly := &cobra.Command{
		Use:   "monthly",
		Short: "Print filed monthly returns, optionally exporting or archiving a workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			month, _ := cmd.Flags().GetString("month")
			xlsxPath, _ := cmd.Flags().GetString("xlsx")
			archive, _ := cmd.Flags().GetBool("archive")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			info := a.clinic.Info()
			returns := a.clinic.MonthlyReturns(month)
			fmt.Fprint(cmd.OutOrStdout(), reporting.MonthlyReport(info.Name, info.Address, returns))

			if xlsxPath == "" && !archive {
				return nil
			}
			visits, err := a.clinic.Visits(month)
			if err != nil {
				return err
			}
			wb := reporting.Workbook{Returns: returns, Visits: visits, Lookup: a.clinic.PatientName}

			if xlsxPath != "" {
				data, err := wb.XLSX()
				if err != nil {
					return err
				}
				if err := os.WriteFile(xlsxPath, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", xlsxPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", xlsxPath)
			}
			if archive {
				obj, err := reporting.NewArchive(a.archive, logger).Store(ctx, month, wb)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %s (%d bytes)\n", obj.Key, obj.Size)
			}
			return nil
		},
	}
	monthly.Flags().String("month", "", "Month to report as YYYY-MM (empty for all)")
	monthly.Flags().String("xlsx", "", "Write the workbook to this path")
	monthly.Flags().Bool("archive", false, "Store the workbook in the report archive")
	cmd.AddCommand(monthly)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed staff token",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if strings.TrimSpace(sub) == "" {
				return fmt.Errorf("--sub is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.NewToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, sub, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Subject (staff user id)")
	cmd.Flags().StringSlice("role", []string{auth.RoleNurse}, "Role to grant, repeatable")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
