package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/chanbind-go/configs"
	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/serialization"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chanbind",
		Short: "Inspect and exercise chanbind channels",
		Long: `Chanbind is a CLI tool for working with chanbind message channels.
It can tap channels to watch traffic, publish test messages, and show the
effective broker configuration.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		configFile string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Listen command
	var rawListen bool
	listenCmd := &cobra.Command{
		Use:   "listen <channels...>",
		Short: "Subscribe to channels and print every delivery",
		Long: `Subscribe to one or more channels on the configured broker and print
each delivery as it arrives. Enveloped messages are unwrapped unless --raw
is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configFile, verbose)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			transport, err := cfg.BuildTransport(logger)
			if err != nil {
				return err
			}
			if err := transport.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to broker: %w", err)
			}
			defer transport.Close()

			input := transport.Input()
			for _, channel := range args {
				err := input.Subscribe(ctx, channel, func(ctx context.Context, delivery contracts.Delivery) error {
					printDelivery(delivery, rawListen)
					return nil
				})
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
				}
			}

			fmt.Printf("Listening on %s... Press Ctrl+C to stop\n", strings.Join(args, ", "))
			fmt.Println(strings.Repeat("-", 60))

			<-ctx.Done()
			return input.Close()
		},
	}
	listenCmd.Flags().BoolVar(&rawListen, "raw", false, "Print payloads without unwrapping envelopes")

	// Send command
	var (
		data    string
		file    string
		rawSend bool
	)
	sendCmd := &cobra.Command{
		Use:   "send <channel>",
		Short: "Publish a message to a channel",
		Long: `Publish a JSON message to a channel on the configured broker. The body
comes from --data, from --file, or from stdin. Unless --raw is given the
body is wrapped in a transport envelope with a fresh message ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configFile, verbose)
			if err != nil {
				return err
			}

			body, err := readBody(data, file)
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return fmt.Errorf("body is not valid JSON")
			}

			channel := args[0]
			wire := body
			messageID := ""
			if !rawSend {
				env := contracts.NewEnvelope(channel, body)
				wire, err = serialization.EnvelopeCodec{}.Encode(env)
				if err != nil {
					return err
				}
				messageID = env.ID
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			transport, err := cfg.BuildTransport(logger)
			if err != nil {
				return err
			}
			if err := transport.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to broker: %w", err)
			}
			defer transport.Close()

			if err := transport.Output().Send(ctx, channel, wire); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}

			if messageID != "" {
				fmt.Printf("Sent %d bytes to %s (message ID %s)\n", len(body), channel, messageID)
			} else {
				fmt.Printf("Sent %d bytes to %s\n", len(body), channel)
			}
			return nil
		},
	}
	sendCmd.Flags().StringVarP(&data, "data", "d", "", "Message body as a JSON string")
	sendCmd.Flags().StringVarP(&file, "file", "f", "", "Read the message body from a file")
	sendCmd.Flags().BoolVar(&rawSend, "raw", false, "Send the body without an envelope")

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Show the configuration after merging defaults, the config file, and environment overrides.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configs.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			printConfig(cfg)
			return nil
		},
	}

	rootCmd.AddCommand(listenCmd, sendCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig resolves the effective configuration and builds a logger whose
// level follows the config file across rewrites.
func loadConfig(configFile string, verbose bool) (configs.Config, *slog.Logger, error) {
	cfg, err := configs.LoadConfig(configFile)
	if err != nil {
		return configs.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return configs.Config{}, nil, err
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Verbose pins debug; otherwise the level follows the config file across
	// rewrites.
	if verbose {
		level.Set(slog.LevelDebug)
		return cfg, logger, nil
	}

	level.Set(configs.ParseLogLevel(cfg.Log.Level))
	if configFile != "" {
		err := configs.Watch(configFile, func(updated configs.Config) {
			level.Set(configs.ParseLogLevel(updated.Log.Level))
			logger.Info("log level updated", "level", updated.Log.Level)
		})
		if err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}

	return cfg, logger, nil
}

// readBody picks the message body from --data, --file, or stdin.
func readBody(data, file string) ([]byte, error) {
	if data != "" && file != "" {
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	}
	if data != "" {
		return []byte(data), nil
	}
	if file != "" {
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return body, nil
	}
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("no message body: use --data, --file, or pipe to stdin")
	}
	return body, nil
}

// Output formatting functions

func printDelivery(delivery contracts.Delivery, raw bool) {
	fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), delivery.Channel)

	if !raw && serialization.LooksLikeEnvelope(delivery.Payload) {
		env, err := (serialization.EnvelopeCodec{}).Decode(delivery.Payload)
		if err == nil {
			fmt.Printf("  ID: %s\n", env.ID)
			if env.CorrelationID != "" {
				fmt.Printf("  Correlation ID: %s\n", env.CorrelationID)
			}
			fmt.Printf("  Timestamp: %s\n", env.Timestamp)
			for k, v := range env.Headers {
				fmt.Printf("  %s: %v\n", k, v)
			}
			fmt.Printf("  Body: %s\n", compactJSON(env.Body))
			fmt.Println(strings.Repeat("-", 60))
			return
		}
	}

	for k, v := range delivery.Headers {
		fmt.Printf("  %s: %v\n", k, v)
	}
	fmt.Printf("  Body: %s\n", compactJSON(delivery.Payload))
	fmt.Println(strings.Repeat("-", 60))
}

func printConfig(cfg configs.Config) {
	fmt.Printf("Broker: %s\n", cfg.Broker.Kind)

	switch strings.ToLower(cfg.Broker.Kind) {
	case "rabbitmq":
		fmt.Printf("  URL: %s\n", cfg.Broker.RabbitMQ.URL)
		fmt.Printf("  Exchange: %s\n", cfg.Broker.RabbitMQ.Exchange)
		fmt.Printf("  Queue Prefix: %s\n", cfg.Broker.RabbitMQ.QueuePrefix)
		fmt.Printf("  Durable: %t\n", cfg.Broker.RabbitMQ.Durable)
		fmt.Printf("  Confirms: %t\n", cfg.Broker.RabbitMQ.Confirms)
	case "nats":
		fmt.Printf("  URLs: %s\n", strings.Join(cfg.Broker.NATS.URLs, ", "))
		fmt.Printf("  Subject Prefix: %s\n", cfg.Broker.NATS.SubjectPrefix)
		fmt.Printf("  Queue Group: %s\n", cfg.Broker.NATS.QueueGroup)
	case "redis":
		fmt.Printf("  Addrs: %s\n", strings.Join(cfg.Broker.Redis.Addrs, ", "))
		fmt.Printf("  Key Prefix: %s\n", cfg.Broker.Redis.KeyPrefix)
	}

	fmt.Printf("Log Level: %s\n", cfg.Log.Level)
	fmt.Printf("Version: %s\n", cfg.Version)
}

func compactJSON(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return string(body)
	}
	return buf.String()
}
