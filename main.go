package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schoolhub/audit"
	"schoolhub/database"
	"schoolhub/handlers"
	"schoolhub/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "schoolhub",
	Short:         "SchoolHub - multi-tenant school platform control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var resetDB bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update control-plane tables and seed catalogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		if resetDB {
			if a.cfg.IsProduction() {
				return errors.New("refusing to reset the database in production")
			}
			if err := database.Reset(a.db); err != nil {
				return err
			}
			logger.L().Info("Database reset")
			return nil
		}
		if err := database.Migrate(a.db); err != nil {
			return err
		}
		logger.L().Info("Database migrated")
		return nil
	},
}

var billingCmd = &cobra.Command{
	Use:   "billing",
	Short: "Billing maintenance",
}

var billingRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one automatic billing pass",
	Long:  `Converts ended trials, renews or cancels ended periods and flags overdue invoices. Meant to be triggered by an external scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.wire(ctx); err != nil {
			return err
		}

		result, err := a.handler.Billing.ProcessAutomaticBilling(ctx, time.Now())
		if err != nil {
			return err
		}
		_, _ = a.handler.Audit.Record(ctx, audit.Entry{
			Action:       audit.ActionBillingRun,
			ResourceType: "billing",
			Details: map[string]interface{}{
				"trials_converted": result.TrialsConverted,
				"renewed":          result.Renewed,
				"canceled":         result.Canceled,
				"past_due":         result.PastDue,
				"errors":           len(result.Errors),
			},
		})
		fmt.Fprintf(cmd.OutOrStdout(), "trials converted: %d, renewed: %d, canceled: %d, past due: %d, invoices: %d, errors: %d\n",
			result.TrialsConverted, result.Renewed, result.Canceled, result.PastDue, len(result.Invoices), len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintln(cmd.ErrOrStderr(), e)
		}
		return nil
	},
}

var (
	adminEmail    string
	adminName     string
	adminPassword string
	adminRole     string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Portal admin management",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a portal admin account",
	Example: `  schoolhub admin create --email dev@schoolhub.app --name "Dev" --password s3cret-pass
  SCHOOLHUB_ADMIN_PASSWORD=s3cret-pass schoolhub admin create --email dev@schoolhub.app`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminPassword == "" {
			adminPassword = os.Getenv("SCHOOLHUB_ADMIN_PASSWORD")
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.wire(cmd.Context()); err != nil {
			return err
		}

		admin, err := a.handler.Auth.CreateAdmin(cmd.Context(), adminEmail, adminName, adminPassword, adminRole)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (id %d)\n", admin.Email, admin.ID)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&resetDB, "reset", false, "drop every table before migrating")

	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "admin email")
	adminCreateCmd.Flags().StringVar(&adminName, "name", "", "display name")
	adminCreateCmd.Flags().StringVar(&adminPassword, "password", "", "password, or SCHOOLHUB_ADMIN_PASSWORD")
	adminCreateCmd.Flags().StringVar(&adminRole, "role", "admin", "admin role")
	_ = adminCreateCmd.MarkFlagRequired("email")

	billingCmd.AddCommand(billingRunCmd)
	adminCmd.AddCommand(adminCreateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, billingCmd, adminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := database.Migrate(a.db); err != nil {
		return err
	}
	if err := a.wire(ctx); err != nil {
		return err
	}

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(a.handler, handlers.RouterOptions{
		Metrics:       a.metrics,
		RatePerMinute: a.cfg.Server.APIRatePerMinute,
	})

	srv := &http.Server{
		Addr:              ":" + a.cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log := logger.L()
	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
