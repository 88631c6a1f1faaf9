package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

type config struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Session   string        `yaml:"session"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	Reconnect struct {
		Disabled    bool          `yaml:"disabled"`
		BaseDelay   time.Duration `yaml:"baseDelay"`
		MaxDelay    time.Duration `yaml:"maxDelay"`
		MaxAttempts int           `yaml:"maxAttempts"`
	} `yaml:"reconnect"`
}

var (
	flagConfig   string
	flagURL      string
	flagToken    string
	flagLogLevel string
)

func loadConfig() (config, error) {
	var cfg config
	if flagConfig != "" {
		data, err := os.ReadFile(flagConfig)
		if err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse config file")
		}
	}
	if flagURL != "" {
		cfg.URL = flagURL
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if cfg.URL == "" {
		return cfg, errors.New("no websocket URL configured (use --url or a config file)")
	}
	return cfg, nil
}

func buildTransport(cfg config) (*chatsync.Transport, error) {
	reconnect := &chatsync.ReconnectConfig{
		Enabled:     !cfg.Reconnect.Disabled,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	return chatsync.NewTransport(chatsync.TransportConfig{
		URL:               cfg.URL,
		Token:             cfg.Token,
		Reconnect:         reconnect,
		HeartbeatInterval: cfg.Heartbeat,
	})
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", flagLogLevel)
	}
	zerolog.SetGlobalLevel(level)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

func sessionID(cfg config, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if cfg.Session != "" {
		return cfg.Session, nil
	}
	return "", errors.New("no session id given (argument or config)")
}

func printTimeline(items []chatsync.TimelineItem) {
	for _, item := range items {
		switch item.ItemType {
		case chatsync.ItemTypeMessage:
			msg := item.Message
			text := msg.Content
			if text == "" && len(msg.Blocks) > 0 {
				for _, b := range msg.Blocks {
					text += b.Content
				}
			}
			fmt.Printf("%s  %-10s %s\n", msg.CreatedAt.Format(time.TimeOnly), msg.Sender, text)
		case chatsync.ItemTypeEvent:
			ev := item.Event
			data, _ := json.Marshal(ev.Data)
			fmt.Printf("%s  [%s] %s\n", ev.CreatedAt.Format(time.TimeOnly), ev.Type, data)
		}
	}
}

func newTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail [session-id]",
		Short: "Connect and print the session timeline as it changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := sessionID(cfg, args)
			if err != nil {
				return err
			}

			transport, err := buildTransport(cfg)
			if err != nil {
				return err
			}
			transport.OnStatusChange(func(s chatsync.ConnectionStatus) {
				log.Info().Str("status", string(s)).Msg("connection status")
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := transport.Connect(ctx); err != nil {
				return errors.Wrap(err, "connect")
			}
			defer transport.Disconnect()

			session, err := chatsync.NewSession(transport, id)
			if err != nil {
				return err
			}
			session.Start()
			defer session.Stop()

			changed := make(chan struct{}, 1)
			notify := func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
			session.Messages().Subscribe(func([]chatsync.BaseMessage) { notify() })
			session.Streaming().Subscribe(func(chatsync.StreamingState) { notify() })

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-changed:
						printTimeline(session.Timeline())
					}
				}
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [session-id] [text]",
		Short: "Send one text message to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			transport, err := buildTransport(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := transport.Connect(ctx); err != nil {
				return errors.Wrap(err, "connect")
			}
			defer transport.Disconnect()

			return transport.Send(chatsync.OutgoingMessage{
				SessionID: args[0],
				Type:      "text",
				Content:   args[1],
			})
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Chat-session synchronization client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagURL, "url", "", "websocket endpoint URL")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "opaque auth token passed as query parameter")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	root.AddCommand(newTailCmd(), newSendCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
