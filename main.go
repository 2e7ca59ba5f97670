package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/safety-control/estopd/internal/api"
	"github.com/safety-control/estopd/internal/config"
	"github.com/safety-control/estopd/internal/estop"
	"github.com/safety-control/estopd/internal/eventlog"
	"github.com/safety-control/estopd/internal/hal"
	"github.com/safety-control/estopd/internal/notify"
)

var (
	devMode    = flag.Bool("dev", false, "Run with simulated stop buttons instead of hardware")
	listen     = flag.String("listen", "", "Listen address (overrides config file)")
	configPath = flag.String("config", "", "Path to settings JSON file")
	envFile    = flag.String("env", ".env", "Path to environment file")
)

// applyEnvOverrides folds ESTOPD_* environment variables into the settings.
// Environment wins over the config file; flags win over both.
func applyEnvOverrides(settings *config.Settings) {
	if v := os.Getenv("ESTOPD_LISTEN"); v != "" {
		settings.Listen = &v
	}
	if v := os.Getenv("ESTOPD_DATABASE"); v != "" {
		settings.DatabasePath = &v
	}
	if v := os.Getenv("ESTOPD_MQTT_BROKER"); v != "" {
		settings.MQTTBroker = &v
	}
	if v := os.Getenv("ESTOPD_MQTT_TOPIC"); v != "" {
		settings.MQTTTopic = &v
	}
	if v := os.Getenv("ESTOPD_SERIAL_VENDOR_ID"); v != "" {
		settings.SerialVendorID = &v
	}
	if v := os.Getenv("ESTOPD_SERIAL_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			settings.SerialBaudRate = &baud
		} else {
			log.Printf("Warning: invalid ESTOPD_SERIAL_BAUD %q: %v", v, err)
		}
	}
}

// addSimulatedDevices registers two mock stop buttons that answer the status
// and self-test requests, for development without hardware.
func addSimulatedDevices(mgr *estop.Manager, registry *hal.Registry, cfg estop.DeviceConfig) error {
	buttons := map[string]estop.ButtonType{
		"sim-primary":   estop.ButtonPrimary,
		"sim-secondary": estop.ButtonSecondary,
	}
	for id, button := range buttons {
		adapter, err := registry.Create(hal.ProtocolMock, hal.ProtocolConfig{Name: id}, id)
		if err != nil {
			return err
		}
		mock := adapter.(*hal.MockAdapter)
		mock.Program([]byte(`{"action":"status"}`), []byte(`{"state":"RELEASED","voltage_v":24}`))
		mock.Program([]byte(`{"action":"self_test"}`), []byte(`{"result":"pass"}`))

		deviceCfg := cfg
		deviceCfg.Name = id
		deviceCfg.Button = button
		if err := mgr.AddDevice(id, adapter, deviceCfg); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: could not load %s, using environment as-is: %v", *envFile, err)
	}

	settings := config.EmptySettings()
	if *configPath != "" {
		var err error
		settings, err = config.LoadSettings(*configPath)
		if err != nil {
			log.Fatalf("Failed to load settings: %v", err)
		}
	}
	applyEnvOverrides(settings)

	addr := settings.GetListen()
	if *listen != "" {
		addr = *listen
	}

	var (
		sink  estop.EventSink
		store *eventlog.Store
	)
	if path := settings.GetDatabasePath(); path != "" {
		var err error
		store, err = eventlog.Open(path)
		if err != nil {
			log.Fatalf("Failed to open event database: %v", err)
		}
		defer store.Close()
		sink = store
	}

	var alarm estop.AlarmSink = notify.NewLogNotifier()
	if broker := settings.GetMQTTBroker(); broker != "" {
		mqttAlarm, err := notify.NewMQTTNotifier(broker, settings.GetMQTTClientID(), settings.GetMQTTTopic())
		if err != nil {
			log.Printf("MQTT alarms disabled, falling back to log: %v", err)
		} else {
			defer mqttAlarm.Close()
			alarm = mqttAlarm
		}
	}

	registry := hal.NewRegistry()

	var discoverer hal.Discoverer
	if !*devMode {
		discoverer = hal.NewSerialDiscoverer(settings.GetSerialVendorID(), settings.GetSerialBaudRate())
	}

	deviceCfg := estop.DeviceConfig{
		HeartbeatInterval: settings.GetHeartbeatInterval(),
		HeartbeatTimeout:  settings.GetHeartbeatTimeout(),
	}

	mgr, err := estop.NewManager(estop.Options{
		Safety:           settings.SafetyConfig(),
		Alarm:            alarm,
		Sink:             sink,
		Discoverer:       discoverer,
		Registry:         registry,
		DiscoveredDevice: deviceCfg,
	})
	if err != nil {
		log.Fatalf("Failed to create safety manager: %v", err)
	}
	defer mgr.Shutdown()

	if *devMode {
		if err := addSimulatedDevices(mgr, registry, deviceCfg); err != nil {
			log.Fatalf("Failed to add simulated devices: %v", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize safety manager: %v", err)
	}
	log.Printf("safety state: %s (%d devices)", mgr.CurrentState(), len(mgr.DeviceStates()))

	server := api.NewServer(mgr, store)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(server.ServeMux()),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server terminated: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	wg.Wait()
}
