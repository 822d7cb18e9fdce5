package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Azure/relay-listener-go/internal/listener"
	"github.com/spf13/cobra"
)

func relayListenerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay-listener [hyco]",
		Short: "Listen on Azure Relay and forward connections to local targets",
		Long: `Start a relay-listener that accepts connections from the Azure Relay
hybrid connection and bridges each one to --target. Optionally restrict
--target with --allow.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRelayListener,
	}

	addAuthFlags(cmd)
	cmd.Flags().String("target", "", "TCP target every accepted connection is bridged to (host:port)")
	cmd.Flags().StringSlice("allow", nil, "allowed targets (host:port, CIDR:port, CIDR:*)")
	cmd.Flags().Int("max-connections", 0, "max concurrent connections (0 = unlimited)")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "timeout for dialing targets")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runRelayListener(cmd *cobra.Command, args []string) error {
	hyco, err := resolveHyco(cmd, args)
	if err != nil {
		return err
	}

	endpoint, tp, err := resolveAuth(cmd)
	if err != nil {
		return err
	}

	target, _ := cmd.Flags().GetString("target")
	allow, _ := cmd.Flags().GetStringSlice("allow")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	cfg := listener.Config{
		Endpoint:       endpoint,
		EntityPath:     hyco,
		TokenProvider:  tp,
		Target:         target,
		AllowList:      allow,
		MaxConnections: maxConn,
		ConnectTimeout: connectTimeout,
		TCPKeepAlive:   tcpKeepAlive,
		Logger:         logger,
		Metrics:        m,
	}

	return listener.ListenAndServe(ctx, cfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
