// v0
// cmd/floorctl/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nrgchamp/floorctl/internal/app"
	"nrgchamp/floorctl/internal/config"
	"nrgchamp/floorctl/internal/policy"
	"nrgchamp/floorctl/internal/simulator"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "floorctl",
		Short:         "Factory-floor energy controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("floorctl %s\n", version)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device server, analytics loop and HTTP gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().String("properties", "", "Properties file (overrides FLOORCTL_PROPERTIES_PATH)")
	rootCmd.AddCommand(serveCmd)

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy artifact tools",
	}
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Write synthetic policy tables for both device classes",
		RunE:  runPolicyGenerate,
	}
	generateCmd.Flags().String("lubrication", "models/lubrication_policy.cbor", "Lubrication artifact path (.cbor, .json, optional .zst)")
	generateCmd.Flags().String("tension", "models/tension_policy.cbor", "Tension artifact path (.cbor, .json, optional .zst)")
	generateCmd.Flags().String("version", "", "Version label stored in the artifacts (default: timestamp)")
	policyCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(policyCmd)

	simulateCmd := &cobra.Command{
		Use:       "simulate [lubrication|tension]",
		Short:     "Run a simulated device against the controller",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"lubrication", "tension"},
		RunE:      runSimulate,
	}
	simulateCmd.Flags().String("addr", "127.0.0.1:8012", "Controller device address")
	simulateCmd.Flags().Duration("interval", simulator.DefaultInterval, "Sample interval")
	simulateCmd.Flags().Duration("reconnect", simulator.DefaultReconnect, "Delay before reconnecting")
	simulateCmd.Flags().Int64("seed", time.Now().UnixNano(), "Random seed for the physics model")
	simulateCmd.Flags().String("mqtt-broker", "", "Mirror samples to this MQTT broker")
	simulateCmd.Flags().String("mqtt-topic", "floorctl/samples", "Mirror topic")
	rootCmd.AddCommand(simulateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if props, _ := cmd.Flags().GetString("properties"); strings.TrimSpace(props) != "" {
		if err := os.Setenv("FLOORCTL_PROPERTIES_PATH", props); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		bootstrap.Error("app_init_failed", slog.Any("err", err))
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			bootstrap.Error("app_close_failed", slog.Any("err", cerr))
		}
	}()

	logger := application.Logger()
	logger.Info("service_boot",
		slog.String("version", version),
		slog.String("listen_address", cfg.ListenAddress),
		slog.String("device_listen_address", cfg.DeviceListenAddress),
		slog.String("log_path", cfg.LogFilePath),
		slog.String("properties_path", cfg.PropertiesPath),
		slog.String("default_gateway", cfg.DefaultGateway),
		slog.String("kafka_brokers", strings.Join(cfg.KafkaBrokers, ",")),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("service_terminated", slog.Any("err", err))
		return err
	}
	logger.Info("service_stopped")
	return nil
}

func runPolicyGenerate(cmd *cobra.Command, args []string) error {
	lubPath, _ := cmd.Flags().GetString("lubrication")
	tenPath, _ := cmd.Flags().GetString("tension")
	label, _ := cmd.Flags().GetString("version")
	if label == "" {
		label = time.Now().UTC().Format("20060102T150405Z")
	}

	if err := policy.WriteFile(lubPath, policy.GenerateLubrication(label), "LUBRICATION_BOT"); err != nil {
		return fmt.Errorf("lubrication policy: %w", err)
	}
	fmt.Printf("wrote %s (version %s)\n", lubPath, label)
	if err := policy.WriteFile(tenPath, policy.GenerateTension(label), "TENSION_BOT"); err != nil {
		return fmt.Errorf("tension policy: %w", err)
	}
	fmt.Printf("wrote %s (version %s)\n", tenPath, label)
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	interval, _ := cmd.Flags().GetDuration("interval")
	reconnect, _ := cmd.Flags().GetDuration("reconnect")
	seed, _ := cmd.Flags().GetInt64("seed")
	broker, _ := cmd.Flags().GetString("mqtt-broker")
	topic, _ := cmd.Flags().GetString("mqtt-topic")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var machine simulator.Machine
	switch args[0] {
	case "lubrication":
		machine = simulator.NewLubrication(seed)
	case "tension":
		machine = simulator.NewTension(seed)
	default:
		return fmt.Errorf("unknown device %q", args[0])
	}

	var mirror simulator.Mirror
	if strings.TrimSpace(broker) != "" {
		m, err := simulator.DialMirror(broker, topic, "floorctl-sim-"+args[0], logger)
		if err != nil {
			return err
		}
		defer m.Close()
		mirror = m
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := simulator.NewRunner(simulator.Config{Addr: addr, Interval: interval, Reconnect: reconnect}, machine, mirror, logger)
	return r.Run(ctx)
}
