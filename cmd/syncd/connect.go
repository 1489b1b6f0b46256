package main

import (
	"context"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sudooom.im.sync/client"
	"sudooom.im.sync/internal/backoff"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/logging"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

var (
	connectURL           string
	connectToken         string
	connectDevice        string
	connectPlatform      string
	connectConversations []string
	connectHeartbeat     time.Duration
	connectLogLevel      string
)

func init() {
	connectCmd.Flags().StringVar(&connectURL, "url", "http://127.0.0.1:8080", "Base URL of a sync node")
	connectCmd.Flags().StringVar(&connectToken, "token", "", "Access token issued by syncd token")
	connectCmd.Flags().StringVar(&connectDevice, "device", "cli", "Device ID")
	connectCmd.Flags().StringVar(&connectPlatform, "platform", "cli", "Device platform")
	connectCmd.Flags().StringSliceVar(&connectConversations, "conversation", nil, "Conversation IDs to join (repeatable)")
	connectCmd.Flags().DurationVar(&connectHeartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	connectCmd.Flags().StringVar(&connectLogLevel, "log-level", "info", "Log level")
	_ = connectCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(connectCmd)
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect as a device, stay registered across reconnects and print events",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, flush := logging.New(logging.Options{Level: connectLogLevel, Format: "console", Name: "syncd-connect"})
		defer flush()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		base := strings.TrimRight(connectURL, "/")
		done := make(chan struct{})
		var once sync.Once
		m := client.New(client.Options{
			DeviceID:          connectDevice,
			Platform:          connectPlatform,
			UserAgent:         "syncd-cli",
			Backoff:           backoff.Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2},
			HeartbeatInterval: connectHeartbeat,
			HeartbeatTimeout:  connectHeartbeat / 3,
			OnEvent: func(env protocol.Envelope) {
				logger.Info("Event received", "event", env.Event, "seq", env.Seq, "data", string(env.Data))
			},
			Apply: func(_ context.Context, items []model.SyncItem) error {
				for _, it := range items {
					logger.Info("Sync item", "kind", it.Kind, "timestamp", it.Timestamp)
				}
				return nil
			},
			OnState: func(s client.State) {
				logger.Info("Connection state", "state", s)
				if s == client.StateDisconnected {
					once.Do(func() { close(done) })
				}
			},
		},
			&client.WebSocketDialer{URL: base + "/ws", Token: connectToken},
			&client.HTTPSyncClient{BaseURL: base, Token: connectToken},
			clock.Real{},
			logger,
		)

		for _, id := range connectConversations {
			_ = m.Join(ctx, id)
		}
		m.Start(ctx)

		select {
		case <-ctx.Done():
			m.Stop()
			return nil
		case <-done:
			return m.Err()
		}
	},
}
