// ESPHome Climate - Mitsubishi heat pump bridge
//
// This is the entry point for the ESPHome climate bridge. It connects
// Mitsubishi mini-splits running ESPHome to the Gray Logic host:
//   - Devices are stored in SQLite and driven by the ESPHome climate plugin
//   - State and commands travel over the MQTT host bus
//   - An HTTP/WebSocket API and optional HomeKit bridge expose the devices
//
// Run "esphome-climate validate" to check a configuration file without
// connecting to anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-esphome/internal/api"
	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/bridges/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/homekit"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-esphome/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"

	// configEnvVar overrides the default config path.
	configEnvVar = config.EnvPrefix + "CONFIG"
)

func main() {
	// Cancel on Ctrl+C or SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "esphome-climate",
		Short:         "Bridge ESPHome Mitsubishi heat pumps to the Gray Logic host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(), "configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file loaded before the configuration")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bridge (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration and device props, then exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				if err := validateDevices(cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %s\n", cfg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "esphome-climate %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// getConfigPath returns the configuration file path.
// Uses ESPHOME_CLIMATE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

func loadConfig(opts *cliOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// validateDevices checks every seeded device the way the plugin does when
// it starts the device, transport requirements included.
func validateDevices(cfg *config.Config) error {
	var errs []error
	for _, d := range cfg.Devices {
		if _, err := esphome.ConnectParamsFromProps(d.Props()); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

// runServe loads configuration and runs the bridge until ctx is cancelled.
func runServe(ctx context.Context, opts *cliOptions) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ESPHome climate bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", opts.configPath)

	return run(ctx, cfg)
}

// run wires every component and blocks until ctx is cancelled. Deferred
// cleanup runs in reverse start order.
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging, version)
	if cfg.ESPHome.Debug {
		log.SetDebug(true)
	}
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Device registry
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.With("component", "registry"))
	registry.SetStateHistory(device.NewSQLiteStateHistoryRepository(db.DB))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	auditRepo := audit.NewSQLiteRepository(db.DB)
	if days := cfg.Database.HistoryRetentionDays; days > 0 {
		pruned, pruneErr := auditRepo.Prune(ctx, time.Now().AddDate(0, 0, -days))
		if pruneErr != nil {
			log.Warn("pruning audit log failed", "error", pruneErr)
		} else if pruned > 0 {
			log.Info("audit log pruned", "entries", pruned)
		}
	}

	// Host bus
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Runtime and plugin
	rt, err := host.New(host.Options{
		Registry:         registry,
		Logger:           log.With("component", "host"),
		HistoryRetention: time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("creating host runtime: %w", err)
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	plugin, err := esphome.New(esphome.Options{
		Host:         rt,
		Logger:       log.With("component", "esphome"),
		CommandDelay: cfg.CommandDelay(),
		Fahrenheit:   cfg.FahrenheitUI(),
		Native: esp.NativeOptions{
			ConnectTimeout: time.Duration(cfg.ESPHome.ConnectTimeout) * time.Second,
		},
		MQTT: esp.MQTTOptions{
			DiscoveryPrefix: cfg.ESPHome.DiscoveryPrefix,
			SettleTime:      time.Duration(cfg.ESPHome.DiscoverySettleMS) * time.Millisecond,
			ConnectTimeout:  time.Duration(cfg.ESPHome.ConnectTimeout) * time.Second,
			QoS:             byte(cfg.MQTT.QoS),
		},
		InitialDelay:   time.Duration(cfg.ESPHome.ReconnectInitialDelay) * time.Second,
		MaxDelay:       time.Duration(cfg.ESPHome.ReconnectMaxDelay) * time.Second,
		ConnectTimeout: time.Duration(cfg.ESPHome.ConnectTimeout) * time.Second,
		Metrics:        esphome.NewMetrics(metricsRegistry),
	})
	if err != nil {
		return fmt.Errorf("creating ESPHome plugin: %w", err)
	}
	rt.SetPlugin(plugin)

	if seedErr := seedDevices(ctx, rt, cfg.Devices, log); seedErr != nil {
		return seedErr
	}

	// Sinks
	rt.AddSink(host.NewStatePublisher(mqttClient, log.With("component", "state")))
	if influxClient != nil {
		rt.AddSink(host.NewHistorySink(influxClient))
	}

	var homekitBridge *homekit.Bridge
	if cfg.HomeKit.Enabled {
		homekitBridge, err = homekit.New(homekit.Options{
			Name:        cfg.Site.Name,
			Pin:         cfg.HomeKit.Pin,
			StoragePath: cfg.HomeKit.StoragePath,
			Executor:    rt,
			Fahrenheit:  plugin.Fahrenheit,
			Logger:      log.With("component", "homekit"),
		})
		if err != nil {
			return fmt.Errorf("creating HomeKit bridge: %w", err)
		}
		for _, d := range rt.Devices() {
			homekitBridge.Add(d)
		}
		rt.AddSink(homekitBridge)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		checks := map[string]api.HealthCheckFunc{
			"database": db.HealthCheck,
			"mqtt":     mqttClient.HealthCheck,
		}
		if influxClient != nil {
			checks["influxdb"] = influxClient.HealthCheck
		}
		apiServer, err = api.New(api.Deps{
			Config:       cfg.API,
			WS:           cfg.WebSocket,
			Security:     cfg.Security,
			Logger:       log.With("component", "api"),
			Devices:      rt,
			Gatherer:     metricsRegistry,
			Audit:        auditRepo,
			HealthChecks: checks,
			Version:      version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		rt.AddSink(apiServer.Hub())
	}

	// Start
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting host runtime: %w", err)
	}
	defer func() {
		log.Info("stopping host runtime")
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Stop(stopCtx)
	}()

	health := host.NewHealthReporter(host.HealthReporterConfig{
		Version:   version,
		Interval:  time.Duration(cfg.ESPHome.HealthInterval) * time.Second,
		Publisher: mqttClient,
		Stats:     rt,
		Logger:    log.With("component", "health"),
	})
	if pubErr := health.PublishStarting(); pubErr != nil {
		log.Warn("publishing starting status failed", "error", pubErr)
	}
	health.Start(ctx)
	defer health.Stop()

	listener := host.NewCommandListener(rt, mqttClient, log.With("component", "commands"))
	listener.SetAudit(auditRepo)
	if err := listener.Start(); err != nil {
		return fmt.Errorf("starting command listener: %w", err)
	}
	defer listener.Stop()

	if homekitBridge != nil {
		if err := homekitBridge.Start(); err != nil {
			return fmt.Errorf("starting HomeKit bridge: %w", err)
		}
		defer homekitBridge.Stop()
	}

	if apiServer != nil {
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal", "config", cfg.String())
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// seedDevices adds configured devices that are not yet in the database.
// Stored devices win over the file so API edits survive restarts.
func seedDevices(ctx context.Context, rt *host.Runtime, devices []config.DeviceConfig, log *logging.Logger) error {
	for _, d := range devices {
		_, err := rt.Device(ctx, d.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, device.ErrDeviceNotFound) {
			return fmt.Errorf("looking up device %s: %w", d.ID, err)
		}

		name := d.Name
		if name == "" {
			name = d.ID
		}
		if _, err := rt.AddDevice(ctx, host.NewDevice{
			ID:      d.ID,
			Name:    name,
			Enabled: true,
			Props:   d.Props(),
		}); err != nil {
			return fmt.Errorf("seeding device %s: %w", d.ID, err)
		}
		log.Info("device seeded from config", "device_id", d.ID)
	}
	return nil
}
