// Package main provides the entry point for the Seneye sensor daemon.
package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquamon/seneye-sensor-daemon/internal/dbus"
	"github.com/aquamon/seneye-sensor-daemon/internal/hid"
	"github.com/aquamon/seneye-sensor-daemon/internal/sud"
	"github.com/aquamon/seneye-sensor-daemon/internal/udev"
)

var (
	verbose     bool
	interactive bool
	rootCmd     = &cobra.Command{
		Use:   "seneye-sensor-daemon",
		Short: "D-Bus daemon for reading Seneye aquarium sensors",
		Long: `seneye-sensor-daemon is a D-Bus service that exposes Seneye USB water
quality sensors (Home, Pond and Reef). It provides methods for listing
connected sensors, taking water quality and light readings, querying slide
status, and switching sensors in and out of interactive mode, and emits
signals when sensors are connected or disconnected.`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&interactive, "interactive", "i", false,
		"Put sensors into interactive mode on connect (disables cloud sample caching)")
}

func run() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("Starting seneye-sensor-daemon")

	// Initialize sensor manager
	manager := sud.NewManager(sud.WithInteractiveMode(interactive))
	if err := manager.Refresh(); err != nil {
		log.Error().Err(err).Msg("Failed to enumerate sensors")
	}

	sensorCount := manager.Count()
	if sensorCount == 0 {
		log.Warn().Msg("No Seneye sensors found")
	} else {
		log.Info().Int("count", sensorCount).Msg("Found Seneye sensors")
	}

	// Initialize D-Bus server
	server := dbus.NewServer(manager)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start D-Bus server")
	}
	server.SetDeviceErrorHandler(func(serial string, err error) {
		refreshMu.Lock()
		defer refreshMu.Unlock()
		if err := refreshSensorsWithRetry(manager, 3); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("Recovery refresh failed")
		}
	})

	// Initialize udev monitor for hot-plug detection
	monitor := udev.NewMonitor(createHotplugHandler(manager, server))
	monitor.SetRecoveryHandler(createRecoveryHandler(manager, server))
	if err := monitor.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start udev monitor (hot-plug detection disabled)")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("Daemon running, press Ctrl+C to stop")
	<-sigChan

	// Cleanup
	log.Info().Msg("Shutting down...")
	if err := monitor.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop udev monitor")
	}
	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop D-Bus server")
	}
	if err := manager.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close sensor manager")
	}

	log.Info().Msg("Daemon stopped")
}

// refreshMu serializes sensor refresh operations to prevent race conditions
// between hotplug handlers and recovery handlers.
var refreshMu sync.Mutex

// refreshSensorsWithRetry attempts to refresh sensors with linear backoff.
// It retries up to maxRetries times with increasing delays between attempts.
func refreshSensorsWithRetry(manager *sud.Manager, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Linear backoff: 500ms, 1000ms, 1500ms, ...
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			log.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying sensor refresh")
			time.Sleep(backoff)
		}

		if err := manager.Refresh(); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("maxRetries", maxRetries+1).
				Msg("Sensor refresh failed")
			continue
		}

		if attempt > 0 {
			log.Info().Int("attempts", attempt+1).Msg("Sensor refresh succeeded after retry")
		}
		return nil
	}
	return lastErr
}

// getSensorsSnapshot returns the manager's current sensors keyed by serial.
func getSensorsSnapshot(manager *sud.Manager) map[string]hid.DeviceInfo {
	snapshot := make(map[string]hid.DeviceInfo)
	for _, info := range manager.ListSensors() {
		snapshot[info.Serial] = info
	}
	return snapshot
}

// diffSensors compares two snapshots and returns the serials added and
// removed between them.
func diffSensors(oldSensors, newSensors map[string]hid.DeviceInfo) (added []hid.DeviceInfo, removed []string) {
	for serial, info := range newSensors {
		if _, exists := oldSensors[serial]; !exists {
			added = append(added, info)
		}
	}
	for serial := range oldSensors {
		if _, exists := newSensors[serial]; !exists {
			removed = append(removed, serial)
		}
	}
	return added, removed
}

// createHotplugHandler returns an event handler that refreshes sensors and
// emits D-Bus signals for the changes.
func createHotplugHandler(manager *sud.Manager, server *dbus.Server) udev.EventHandler {
	return func(event udev.Event) {
		// Use shared mutex to serialize with recovery handler
		refreshMu.Lock()
		defer refreshMu.Unlock()

		oldSensors := getSensorsSnapshot(manager)

		// For add events, wait for the device to fully initialize.
		// USB devices need time to enumerate all interfaces before HID is
		// accessible. Remove events don't need this delay.
		if event.Type == udev.EventAdd {
			time.Sleep(500 * time.Millisecond)
		}

		if err := refreshSensorsWithRetry(manager, 3); err != nil {
			log.Error().Err(err).Msg("Failed to refresh sensors after hot-plug event (all retries exhausted)")
			return
		}

		added, removed := diffSensors(oldSensors, getSensorsSnapshot(manager))
		for _, info := range added {
			server.EmitSensorAdded(info.Serial, info.Product)
		}
		for _, serial := range removed {
			server.EmitSensorRemoved(serial)
		}
	}
}

// createRecoveryHandler returns a handler for netlink buffer overflow
// recovery. It triggers a sensor refresh to recover from missed udev events.
func createRecoveryHandler(manager *sud.Manager, server *dbus.Server) udev.RecoveryHandler {
	return func() {
		// Use shared mutex to serialize with hotplug handler
		refreshMu.Lock()
		defer refreshMu.Unlock()

		log.Info().Msg("Performing recovery refresh after netlink buffer overflow")

		oldSensors := getSensorsSnapshot(manager)

		// Wait a moment for any pending USB operations to settle
		time.Sleep(500 * time.Millisecond)

		if err := refreshSensorsWithRetry(manager, 3); err != nil {
			log.Error().Err(err).Msg("Recovery refresh failed (all retries exhausted)")
			return
		}

		newSensors := getSensorsSnapshot(manager)
		added, removed := diffSensors(oldSensors, newSensors)
		for _, info := range added {
			log.Info().Str("serial", info.Serial).Msg("Sensor found during recovery")
			server.EmitSensorAdded(info.Serial, info.Product)
		}
		for _, serial := range removed {
			log.Info().Str("serial", serial).Msg("Sensor lost during recovery")
			server.EmitSensorRemoved(serial)
		}

		log.Info().Int("sensors", len(newSensors)).Msg("Recovery refresh completed")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}
