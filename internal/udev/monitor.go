// Package udev provides hot-plug detection for Seneye sensors via
// netlink/udev events.
package udev

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog/log"
)

const (
	// netlinkBufferSize is the receive buffer size for the netlink socket.
	// A larger buffer prevents ENOBUFS errors during USB hot-plug events,
	// which generate many netlink messages rapidly.
	netlinkBufferSize = 2 * 1024 * 1024 // 2 MB

	// removeDebounceWindow suppresses duplicate REMOVE events. A single
	// unplug produces REMOVE events for the usb_device and each of its
	// interfaces; only the first should reach the handler.
	removeDebounceWindow = 2 * time.Second

	// removeEntryTTL bounds how long debounce bookkeeping entries are kept.
	removeEntryTTL = time.Minute
)

const (
	// SeneyeVendorID is the USB vendor ID for Seneye Ltd (udev format,
	// lower-case hex without leading zeros).
	SeneyeVendorID = "24f7"

	// SeneyeProductID is the USB product ID for the Seneye sensors.
	SeneyeProductID = "2204"
)

// EventType represents the type of device event.
type EventType int

const (
	// EventAdd indicates a sensor was connected.
	EventAdd EventType = iota
	// EventRemove indicates a sensor was disconnected.
	EventRemove
)

// Event represents a sensor hot-plug event.
type Event struct {
	Type EventType
}

// EventHandler is called when a sensor event occurs.
type EventHandler func(event Event)

// RecoveryHandler is called when the monitor recovers from an error condition
// (e.g., netlink buffer overflow) and needs to trigger a refresh.
type RecoveryHandler func()

// Monitor watches for Seneye sensor connect/disconnect events.
type Monitor struct {
	conn            *netlink.UEventConn
	handler         EventHandler
	recoveryHandler RecoveryHandler
	quit            chan struct{}
	stopped         bool
	lastRemoveTime  map[string]time.Time
	mu              sync.Mutex
}

// NewMonitor creates a new udev monitor with the given event handler.
func NewMonitor(handler EventHandler) *Monitor {
	return &Monitor{
		handler:        handler,
		lastRemoveTime: make(map[string]time.Time),
	}
}

// SetRecoveryHandler sets the handler called when the monitor recovers from
// errors. This should trigger a sensor refresh to catch missed events.
func (m *Monitor) SetRecoveryHandler(handler RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryHandler = handler
}

// Start begins monitoring for sensor events.
// This method is non-blocking; events are processed in a background goroutine.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return fmt.Errorf("monitor already started")
	}

	m.conn = &netlink.UEventConn{}
	if err := m.conn.Connect(netlink.UdevEvent); err != nil {
		m.conn = nil
		return fmt.Errorf("failed to connect to netlink: %w", err)
	}

	// Increase socket receive buffer to prevent ENOBUFS during rapid USB
	// hot-plug events.
	if err := setSocketBufferSize(m.conn.Fd, netlinkBufferSize); err != nil {
		log.Warn().Err(err).Int("size", netlinkBufferSize).Msg("Failed to set netlink buffer size")
		// Continue anyway - the default buffer may still work for most cases
	} else {
		log.Debug().Int("size", netlinkBufferSize).Msg("Netlink socket buffer size configured")
	}

	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.quit = m.conn.Monitor(queue, errs, m.createMatcher())
	m.stopped = false

	go m.processEvents(queue, errs)

	log.Info().Msg("udev monitor started")
	return nil
}

// Stop stops the monitor and releases resources.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.stopped {
		return nil
	}

	m.stopped = true

	// Signal the monitor goroutine to stop
	select {
	case m.quit <- struct{}{}:
	default:
	}

	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("failed to close netlink connection: %w", err)
	}

	m.conn = nil
	log.Info().Msg("udev monitor stopped")
	return nil
}

// createMatcher creates a matcher for Seneye sensor events.
func (m *Monitor) createMatcher() *netlink.RuleDefinitions {
	rules := &netlink.RuleDefinitions{}

	// Match add/remove actions for USB devices with the Seneye vendor and
	// product IDs. The PRODUCT env var format is
	// "vendorId/productId/bcdDevice" (e.g., "24f7/2204/100"); anchor the
	// pattern so e.g. "24f7/22041" cannot match.
	addAction := "add"
	removeAction := "remove"

	productPattern := fmt.Sprintf("^%s/%s/[^/]+$", SeneyeVendorID, SeneyeProductID)

	rules.AddRule(netlink.RuleDefinition{
		Action: &addAction,
		Env: map[string]string{
			"SUBSYSTEM": "^usb$",
			"PRODUCT":   productPattern,
		},
	})

	rules.AddRule(netlink.RuleDefinition{
		Action: &removeAction,
		Env: map[string]string{
			"SUBSYSTEM": "^usb$",
			"PRODUCT":   productPattern,
		},
	})

	return rules
}

// processEvents handles incoming udev events.
func (m *Monitor) processEvents(queue chan netlink.UEvent, errs chan error) {
	for {
		select {
		case event, ok := <-queue:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-errs:
			if !ok {
				return
			}
			// Check if we're stopping
			m.mu.Lock()
			stopped := m.stopped
			recoveryHandler := m.recoveryHandler
			m.mu.Unlock()
			if stopped {
				return
			}

			// Handle netlink buffer overflow (ENOBUFS) gracefully. Events
			// may have been dropped, so trigger a recovery refresh to
			// re-enumerate sensors.
			if isBufferOverflowError(err) {
				log.Warn().Msg("Netlink buffer overflow detected, triggering recovery refresh")
				if recoveryHandler != nil {
					go recoveryHandler()
				}
				continue
			}

			log.Error().Err(err).Msg("udev monitor error")
		}
	}
}

// shouldDebounceRemove reports whether a REMOVE event for the given PRODUCT
// value arrived within the debounce window of the previous one. Stale
// bookkeeping entries are pruned on each call.
func (m *Monitor) shouldDebounceRemove(product string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for p, ts := range m.lastRemoveTime {
		if now.Sub(ts) > removeEntryTTL {
			delete(m.lastRemoveTime, p)
		}
	}

	if last, ok := m.lastRemoveTime[product]; ok && now.Sub(last) < removeDebounceWindow {
		return true
	}
	m.lastRemoveTime[product] = now
	return false
}

// setSocketBufferSize sets the receive buffer size for a socket.
// It first tries SO_RCVBUFFORCE (requires CAP_NET_ADMIN), then falls back to
// SO_RCVBUF, which the kernel caps at net.core.rmem_max.
func setSocketBufferSize(fd int, size int) error {
	err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUFFORCE, size)
	if err == nil {
		return nil
	}
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, size)
}

// isBufferOverflowError checks if the error is a netlink buffer overflow (ENOBUFS).
func isBufferOverflowError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	// Fallback: the udev library reports some socket errors as plain strings.
	return strings.Contains(strings.ToLower(err.Error()), "no buffer space available")
}

// handleEvent processes a single udev event.
func (m *Monitor) handleEvent(uevent netlink.UEvent) {
	// Filter for usb_device type only (not usb_interface) on ADD events.
	// For REMOVE events, DEVTYPE may not be present since the device is
	// already gone; the matcher already ensures only Seneye events arrive.
	devtype := uevent.Env["DEVTYPE"]
	if uevent.Action == netlink.ADD && devtype != "usb_device" {
		return
	}

	log.Debug().
		Str("action", string(uevent.Action)).
		Str("devpath", uevent.KObj).
		Str("product", uevent.Env["PRODUCT"]).
		Msg("USB device event")

	var eventType EventType
	switch uevent.Action {
	case netlink.ADD:
		eventType = EventAdd
		log.Info().Str("product", uevent.Env["PRODUCT"]).Msg("Seneye sensor connected")
	case netlink.REMOVE:
		if m.shouldDebounceRemove(uevent.Env["PRODUCT"]) {
			log.Debug().Str("product", uevent.Env["PRODUCT"]).Msg("Duplicate REMOVE event suppressed")
			return
		}
		eventType = EventRemove
		log.Info().Str("product", uevent.Env["PRODUCT"]).Msg("Seneye sensor disconnected")
	default:
		return
	}

	if m.handler != nil {
		m.handler(Event{Type: eventType})
	}
}
