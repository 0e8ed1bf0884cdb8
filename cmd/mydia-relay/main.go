// Package main provides the CLI entry point for the Mydia relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dwongdev/mydia-relay/internal/certutil"
	"github.com/dwongdev/mydia-relay/internal/config"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/server"
	"github.com/dwongdev/mydia-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mydia-relay",
		Short: "Mydia Relay - secure pairing and tunnel relay",
		Long: `Mydia Relay pairs client devices with a self-hosted media server
using short claim codes, then carries their traffic through
end-to-end encrypted tunnels over a cloud relay or a direct
QUIC connection.

The media server itself never needs an inbound firewall rule.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(fingerprintCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long:  "Walk through the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

			srv, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			fmt.Printf("Starting Mydia relay...\n")
			fmt.Printf("Instance ID: %s\n", srv.InstanceID())
			if fp := srv.Fingerprint(); fp != "" {
				fmt.Printf("Certificate: %s\n", fp)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("relay stopped: %w", err)
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func pairCmd() *cobra.Command {
	var configPath string
	var ownerID string

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Create a pairing code",
		Long: `Ask the running relay to mint a new claim code and display it.

The relay must be running with the metrics endpoint enabled; the
code is created over its management listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.Observe.Enabled {
				return fmt.Errorf("the management listener is disabled; enable observability.enabled to use pair")
			}

			pairing, err := requestPairing(cmd.Context(), cfg.Observe.Address, ownerID)
			if err != nil {
				return err
			}

			printPairing(pairing)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Account the paired device will belong to")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func fingerprintCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Show the direct certificate fingerprint",
		Long:  "Print the pinned fingerprint clients use to verify direct connections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.Direct.Enabled {
				return fmt.Errorf("direct connections are disabled in this configuration")
			}

			cert, err := certutil.Ensure(cfg.Server.DataDir, cfg.Direct.WildcardDomain)
			if err != nil {
				return fmt.Errorf("failed to load certificate: %w", err)
			}

			fmt.Println(cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// requestPairing asks the running relay's management listener for a
// fresh claim code.
func requestPairing(ctx context.Context, observeAddr, ownerID string) (*server.Pairing, error) {
	host, port, err := net.SplitHostPort(observeAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid management address %q: %w", observeAddr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	endpoint := fmt.Sprintf("http://%s/pair", net.JoinHostPort(host, port))
	form := url.Values{"owner": {ownerID}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the relay running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pairing request failed: %s", resp.Status)
	}

	var pairing server.Pairing
	if err := json.NewDecoder(resp.Body).Decode(&pairing); err != nil {
		return nil, fmt.Errorf("decode pairing response: %w", err)
	}
	return &pairing, nil
}

// printPairing renders the claim code panel shown to the user.
func printPairing(p *server.Pairing) {
	code := p.Code
	if len(code) == 6 {
		code = code[:3] + "-" + code[3:]
	}

	codeStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Padding(1, 4).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("241"))

	fmt.Println()
	fmt.Println(codeStyle.Render(code))
	fmt.Println()
	fmt.Printf("  Enter this code on the device you want to pair.\n")
	fmt.Printf("  Expires %s.\n", humanize.Time(p.ExpiresAt))
	if p.Fingerprint != "" {
		fmt.Printf("  Certificate: %s\n", p.Fingerprint)
	}
	if len(p.Addresses) > 0 {
		fmt.Printf("  Direct:      %s\n", strings.Join(p.Addresses, ", "))
	}
	fmt.Println()
}
