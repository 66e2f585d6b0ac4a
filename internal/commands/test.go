package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/grumpyguvner/tempmail/internal/mail"
	"github.com/spf13/cobra"
)

func NewTestCommand() *cobra.Command {
	var (
		host    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test a running tempmail server",
		Long: `Check the HTTP API, deliver a test email over SMTP to a fresh address
and confirm it shows up in that mailbox.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			baseURL := fmt.Sprintf("http://%s:%d", host, cfg.Port)
			client := &http.Client{Timeout: timeout}
			failed := 0

			fmt.Fprintln(out, "Running tempmail tests...")

			fmt.Fprintln(out, "\n1. Checking API service...")
			if err := checkHealth(cmd.Context(), client, baseURL); err != nil {
				fmt.Fprintf(out, "   ✗ API service check failed: %v\n", err)
				failed++
			} else {
				fmt.Fprintln(out, "   ✓ API service is responding")
			}

			if !cfg.SMTPEnabled {
				fmt.Fprintln(out, "\n2. SMTP is disabled, skipping delivery test")
			} else {
				fmt.Fprintf(out, "\n2. Sending test email over SMTP (port %d)...\n", cfg.SMTPPort)
				rcpt, err := mail.NewAddress(cfg.Domains, "")
				if err == nil {
					err = sendTestEmail(fmt.Sprintf("%s:%d", host, cfg.SMTPPort), "selftest@tempmail.invalid", rcpt)
				}
				if err != nil {
					fmt.Fprintf(out, "   ✗ Probe email failed: %v\n", err)
					failed++
				} else {
					fmt.Fprintf(out, "   ✓ Probe email accepted for %s\n", rcpt)

					fmt.Fprintln(out, "\n3. Checking the mailbox...")
					if err := waitForDelivery(cmd.Context(), client, baseURL, rcpt, timeout); err != nil {
						fmt.Fprintf(out, "   ✗ Mailbox check failed: %v\n", err)
						failed++
					} else {
						fmt.Fprintln(out, "   ✓ Probe email is listed")
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			fmt.Fprintln(out, "\nTest complete!")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "host running the server")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout per check")

	return cmd
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("server reports %q", body.Status)
	}
	return nil
}

func selfTestMessage(from, to string) string {
	return strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: tempmail self-test",
		"Message-ID: <" + uuid.NewString() + "@tempmail.invalid>",
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"",
		"This is a tempmail delivery test.",
		"",
	}, "\r\n")
}

func sendTestEmail(addr, from, to string) error {
	return smtp.SendMail(addr, nil, from, []string{to}, strings.NewReader(selfTestMessage(from, to)))
}

func waitForDelivery(ctx context.Context, client *http.Client, baseURL, address string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		total, err := mailboxTotal(ctx, client, baseURL, address)
		if err == nil && total > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("no email for %s after %s: %w", address, timeout, err)
			}
			return fmt.Errorf("no email for %s after %s", address, timeout)
		case <-ticker.C:
		}
	}
}

func mailboxTotal(ctx context.Context, client *http.Client, baseURL, address string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/emails/"+url.PathEscape(address), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Total, nil
}
