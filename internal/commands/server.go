package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/grumpyguvner/tempmail/internal/api"
	"github.com/grumpyguvner/tempmail/internal/cleanup"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"github.com/grumpyguvner/tempmail/internal/security"
	"github.com/grumpyguvner/tempmail/internal/smtpd"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func NewServerCommand() *cobra.Command {
	var (
		port        int
		smtpPort    int
		mode        string
		dataDir     string
		bearerToken string
		noSMTP      bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the mail API and SMTP servers",
		Long: `Start the HTTP API, the inbound SMTP listener and the retention cleanup.
Emails are stored per recipient and expire after email_retention_hours.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Override with command-line flags if provided
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("smtp-port") {
				cfg.SMTPPort = smtpPort
			}
			if cmd.Flags().Changed("mode") {
				cfg.Mode = mode
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("token") {
				cfg.BearerToken = bearerToken
			}
			if noSMTP {
				cfg.SMTPEnabled = false
			}

			if err := cfg.ValidateSchema(); err != nil {
				return err
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3000, "HTTP API port")
	cmd.Flags().IntVar(&smtpPort, "smtp-port", 2525, "SMTP listener port")
	cmd.Flags().StringVarP(&mode, "mode", "m", "simple", "operation mode (simple, socket)")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "data storage directory")
	cmd.Flags().StringVarP(&bearerToken, "token", "t", "", "bearer token for /mail/inbound")
	cmd.Flags().BoolVar(&noSMTP, "no-smtp", false, "disable the SMTP listener")

	return cmd
}

func runServer(cfg *config.Config) error {
	logger := logging.WithComponent("server")
	if cfg.MetricsEnabled {
		metrics.Init()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnw("Failed to close storage", "error", err)
		}
	}()

	// Retention cleanup
	scheduler := cleanup.New(a.inbox, retention(cfg))
	if err := scheduler.Schedule(cfg.CleanupSchedule); err != nil {
		return err
	}
	scheduler.Start()

	// HTTP API
	httpServer := api.NewServer(cfg, a.inbox)
	if err := httpServer.Listen(); err != nil {
		return err
	}

	// SMTP
	var (
		smtpServer *smtpd.Server
		throttle   *security.ConnectionThrottle
		smtpErrs   = make(chan error, 1)
	)
	if cfg.SMTPEnabled {
		throttle = security.NewConnectionThrottle(cfg.SMTPGlobalRate, cfg.SMTPPerIPRate)
		defer throttle.Close()

		smtpServer = smtpd.New(smtpd.Config{
			Addr:            fmt.Sprintf(":%d", cfg.SMTPPort),
			Hostname:        cfg.SMTPHostname,
			MaxMessageBytes: cfg.MaxMessageBytes,
			MaxRecipients:   50,
			ReadTimeout:     time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Second,
			DeliveryTimeout: time.Duration(cfg.HandlerTimeout) * time.Second,
		}, a.inbox, a.validator, throttle, security.NewConnectionLimiter(cfg.SMTPMaxConnectionsPerIP, cfg.SMTPMaxConnections))

		l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.SMTPPort))
		if err != nil {
			return fmt.Errorf("failed to listen for SMTP: %w", err)
		}
		go func() {
			if err := smtpServer.Serve(l); err != nil && !stderrors.Is(err, smtp.ErrServerClosed) {
				smtpErrs <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Infow("Shutdown signal received, stopping servers...", "signal", sig.String())
			metrics.ShutdownsInitiated.WithLabelValues("graceful").Inc()
		case err := <-smtpErrs:
			logger.Errorw("SMTP server failed", "error", err)
			metrics.ShutdownsInitiated.WithLabelValues("forced").Inc()
		}
		cancel()
	}()

	logger.Infow("Starting tempmail",
		"port", cfg.Port,
		"mode", cfg.Mode,
		"smtp_enabled", cfg.SMTPEnabled,
		"smtp_port", cfg.SMTPPort,
		"domains", cfg.Domains)

	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	start := time.Now()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Infof("Gracefully shutting down (timeout: %s)...", shutdownTimeout)

	var errs []error
	if smtpServer != nil {
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("smtp shutdown: %w", err))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			logger.Errorf("Graceful shutdown timed out after %s, forcing shutdown", shutdownTimeout)
		}
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	<-scheduler.Stop().Done()

	metrics.ShutdownDuration.Observe(time.Since(start).Seconds())
	if err := stderrors.Join(errs...); err != nil {
		return err
	}

	logger.Info("Servers stopped gracefully")
	return nil
}
