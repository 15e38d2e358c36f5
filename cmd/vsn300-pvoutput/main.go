package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/config"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/api"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/collector"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/modbus"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/mqtt"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/pvoutput"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vsn300-pvoutput",
		Short: "VSN300 to PVOutput bridge",
		Long:  "Polls an ABB/Power-One VSN300 inverter logger via Modbus TCP, tracks daily energy and uploads it to PVOutput",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerMap(cfg config.RegisterConfig) inverter.RegisterMap {
	return inverter.RegisterMap{
		BlockStart:  cfg.BlockStart,
		BlockCount:  cfg.BlockCount,
		Voltage:     cfg.Voltage,
		Frequency:   cfg.Frequency,
		Power:       cfg.Power,
		StatusCode:  cfg.StatusCode,
		Temperature: cfg.Temperature,
		EnergyLow:   cfg.EnergyLow,
		EnergyHigh:  cfg.EnergyHigh,
		EnergyScale: cfg.EnergyScale,
	}
}

func newReader(cfg *config.Config) *inverter.VSN300 {
	client := modbus.NewClient(
		cfg.Modbus.Host,
		cfg.Modbus.Port,
		cfg.Modbus.UnitID,
		cfg.Modbus.Timeout,
	)
	reader := inverter.NewVSN300(client, registerMap(cfg.Registers))
	reader.SetDebug(cfg.Debug)
	return reader
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long:  "Start the poll loop, PVOutput uploads and the dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			loc, err := cfg.Location()
			if err != nil {
				return fmt.Errorf("failed to load timezone: %w", err)
			}

			if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
				return fmt.Errorf("failed to create state dir: %w", err)
			}

			reader := newReader(cfg)

			// Daily state, recovered from disk when present
			trk := tracker.New(cfg.State.Dir, loc, cfg.Poll.Interval)
			if err := trk.Load(); err != nil {
				log.Printf("State load failed, starting fresh baseline: %v", err)
			}
			log.Printf("Daily state file: %s", trk.Path())

			uploader := pvoutput.NewClient(pvoutput.ClientConfig{
				URL:      cfg.PVOutput.URL,
				APIKey:   cfg.PVOutput.APIKey,
				SystemID: cfg.PVOutput.SystemID,
				DryRun:   cfg.DryRun,
			})
			if cfg.DryRun {
				log.Println("Dry-run mode: PVOutput payloads will be logged, not sent")
			}

			// Create MQTT publisher. On a failed broker connect we get a
			// disabled publisher back, so the poll loop runs without MQTT.
			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
			})
			if err != nil {
				log.Printf("Warning: MQTT connection failed, continuing without MQTT: %v", err)
			} else if cfg.MQTT.Enabled {
				log.Printf("MQTT connected to %s", cfg.MQTT.Broker)
				publisher.PublishHomeAssistantDiscovery()
			}

			coll := collector.NewCollector(collector.CollectorConfig{
				Reader:    reader,
				Tracker:   trk,
				Uploader:  uploader,
				Publisher: publisher,
				Interval:  cfg.Poll.Interval,
				DryRun:    cfg.DryRun,
			})

			// Setup context for graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			// Start poll loop in goroutine
			go func() {
				if err := coll.Start(ctx); err != nil {
					log.Printf("Poll loop error: %v", err)
				}
			}()

			// Start dashboard server if enabled
			var server *api.Server
			if cfg.Dashboard.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:      cfg.Dashboard.Port,
					Collector: coll,
					RawReader: reader,
				})

				go func() {
					if err := server.Start(); err != nil {
						log.Printf("Dashboard server error: %v", err)
					}
				}()
			}

			log.Printf("VSN300 bridge started: inverter %s:%d, poll every %s. Press Ctrl+C to stop.",
				cfg.Modbus.Host, cfg.Modbus.Port, cfg.Poll.Interval)

			// Wait for signal
			<-sigChan
			log.Println("Shutting down...")
			cancel()

			if server != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := server.Stop(shutdownCtx); err != nil {
					log.Printf("Dashboard shutdown error: %v", err)
				}
			}
			publisher.Close()

			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read data once from the inverter",
		Long:  "Connect to the inverter, decode one telemetry block and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			reading, err := newReader(cfg).Read()
			if err != nil {
				return fmt.Errorf("failed to read data: %w", err)
			}

			output, _ := json.MarshalIndent(reading, "", "  ")
			fmt.Println(string(output))

			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the inverter",
		Long:  "Test the Modbus TCP connection to the inverter logger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Testing connection to %s:%d...\n", cfg.Modbus.Host, cfg.Modbus.Port)

			reading, err := newReader(cfg).Read()
			if err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}

			fmt.Println("Connection SUCCESS!")
			fmt.Printf("\nCurrent Values:\n")
			fmt.Printf("  Power:           %d W\n", reading.PowerW)
			fmt.Printf("  Lifetime Energy: %.1f kWh\n", reading.LifetimeEnergyWh/1000)
			fmt.Printf("  AC Voltage:      %.1f V\n", reading.VoltageV)
			fmt.Printf("  Grid Frequency:  %.2f Hz\n", reading.GridFrequencyHz)
			fmt.Printf("  Temperature:     %.1f °C\n", reading.TemperatureC)
			fmt.Printf("  Status:          %s\n", reading.StatusText)

			return nil
		},
	}
}
