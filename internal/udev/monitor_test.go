// SPDX-License-Identifier: GPL-3.0-only

package udev

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/stretchr/testify/assert"
)

func TestNewMonitor(t *testing.T) {
	handlerCalled := false
	handler := func(event Event) {
		handlerCalled = true
	}

	monitor := NewMonitor(handler)
	assert.NotNil(t, monitor)
	assert.NotNil(t, monitor.handler)

	monitor.handler(Event{Type: EventAdd})
	assert.True(t, handlerCalled)
}

func TestNewMonitor_NilHandler(t *testing.T) {
	monitor := NewMonitor(nil)
	assert.NotNil(t, monitor)
	assert.Nil(t, monitor.handler)
}

func TestEventType(t *testing.T) {
	assert.Equal(t, EventType(0), EventAdd)
	assert.Equal(t, EventType(1), EventRemove)
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	monitor := NewMonitor(nil)
	// Stop should be safe to call even if not started
	err := monitor.Stop()
	assert.NoError(t, err)
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "24f7", SeneyeVendorID)
	assert.Equal(t, "2204", SeneyeProductID)
}

func TestMonitor_HandleEvent(t *testing.T) {
	tests := []struct {
		name          string
		uevent        netlink.UEvent
		expectHandler bool
		expectedType  EventType
	}{
		{
			name: "add event for usb_device triggers handler",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: true,
			expectedType:  EventAdd,
		},
		{
			name: "remove event for usb_device triggers handler",
			uevent: netlink.UEvent{
				Action: netlink.REMOVE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: true,
			expectedType:  EventRemove,
		},
		{
			name: "usb_interface events are ignored",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1/1-1:1.0",
				Env: map[string]string{
					"DEVTYPE": "usb_interface",
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: false,
		},
		{
			name: "change action is ignored",
			uevent: netlink.UEvent{
				Action: netlink.CHANGE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: false,
		},
		{
			name: "bind action is ignored",
			uevent: netlink.UEvent{
				Action: netlink.BIND,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: false,
		},
		{
			name: "missing DEVTYPE is ignored for add events",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: false,
		},
		{
			name: "remove event without DEVTYPE triggers handler",
			uevent: netlink.UEvent{
				Action: netlink.REMOVE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"PRODUCT": "24f7/2204/100",
				},
			},
			expectHandler: true,
			expectedType:  EventRemove,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			handlerCalled := false
			var receivedEvent Event

			handler := func(event Event) {
				mu.Lock()
				defer mu.Unlock()
				handlerCalled = true
				receivedEvent = event
			}

			monitor := NewMonitor(handler)
			monitor.handleEvent(tt.uevent)

			mu.Lock()
			defer mu.Unlock()

			if tt.expectHandler {
				assert.True(t, handlerCalled, "handler should have been called")
				assert.Equal(t, tt.expectedType, receivedEvent.Type)
			} else {
				assert.False(t, handlerCalled, "handler should not have been called")
			}
		})
	}
}

func TestMonitor_HandleEvent_NilHandler(t *testing.T) {
	monitor := NewMonitor(nil)
	uevent := netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/pci0000:00/usb1/1-1",
		Env: map[string]string{
			"DEVTYPE": "usb_device",
			"PRODUCT": "24f7/2204/100",
		},
	}

	assert.NotPanics(t, func() {
		monitor.handleEvent(uevent)
	})
}

func TestMonitor_CreateMatcher(t *testing.T) {
	monitor := NewMonitor(nil)
	matcher := monitor.createMatcher()

	assert.NotNil(t, matcher)
	assert.Len(t, matcher.Rules, 2) // add and remove rules

	err := matcher.Compile()
	assert.NoError(t, err)

	tests := []struct {
		name     string
		uevent   netlink.UEvent
		expected bool
	}{
		{
			name: "matches add event for Seneye sensor",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "24f7/2204/100",
				},
			},
			expected: true,
		},
		{
			name: "matches remove event for Seneye sensor",
			uevent: netlink.UEvent{
				Action: netlink.REMOVE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "24f7/2204/100",
				},
			},
			expected: true,
		},
		{
			name: "does not match different product",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "24f7/8286/100",
				},
			},
			expected: false,
		},
		{
			name: "does not match different vendor",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "1234/2204/100",
				},
			},
			expected: false,
		},
		{
			name: "does not match product ID prefix",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "24f7/22041/100",
				},
			},
			expected: false,
		},
		{
			name: "does not match change action",
			uevent: netlink.UEvent{
				Action: netlink.CHANGE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "24f7/2204/100",
				},
			},
			expected: false,
		},
		{
			name: "does not match different subsystem",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "block",
					"PRODUCT":   "24f7/2204/100",
				},
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := matcher.Evaluate(tt.uevent)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestMonitor_SetRecoveryHandler(t *testing.T) {
	monitor := NewMonitor(nil)
	assert.Nil(t, monitor.recoveryHandler)

	handlerCalled := false
	handler := func() {
		handlerCalled = true
	}

	monitor.SetRecoveryHandler(handler)
	assert.NotNil(t, monitor.recoveryHandler)

	monitor.recoveryHandler()
	assert.True(t, handlerCalled)
}

func TestIsBufferOverflowError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error returns false",
			err:      nil,
			expected: false,
		},
		{
			name:     "ENOBUFS syscall error returns true",
			err:      syscall.ENOBUFS,
			expected: true,
		},
		{
			name:     "error message with 'no buffer space available' returns true",
			err:      errors.New("unable to check available uevent, err: no buffer space available"),
			expected: true,
		},
		{
			name:     "generic error returns false",
			err:      errors.New("some other error"),
			expected: false,
		},
		{
			name:     "different syscall error returns false",
			err:      syscall.EINVAL,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isBufferOverflowError(tt.err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestMonitor_RemoveEventDebouncing(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	handler := func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		callCount++
	}

	monitor := NewMonitor(handler)
	product := "24f7/2204/100"

	// The usb_device REMOVE triggers the handler
	uevent := netlink.UEvent{
		Action: netlink.REMOVE,
		KObj:   "/devices/pci0000:00/usb1/1-1",
		Env: map[string]string{
			"PRODUCT": product,
		},
	}
	monitor.handleEvent(uevent)

	mu.Lock()
	assert.Equal(t, 1, callCount, "first REMOVE should trigger handler")
	mu.Unlock()

	// The interface REMOVE events for the same unplug are suppressed
	uevent.KObj = "/devices/pci0000:00/usb1/1-1/1-1:1.0"
	monitor.handleEvent(uevent)
	uevent.KObj = "/devices/pci0000:00/usb1/1-1/1-1:1.1"
	monitor.handleEvent(uevent)

	mu.Lock()
	assert.Equal(t, 1, callCount, "duplicate REMOVE events within the debounce window should be ignored")
	mu.Unlock()
}

func TestMonitor_RemoveEventDebouncing_DifferentProducts(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	handler := func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		callCount++
	}

	monitor := NewMonitor(handler)

	uevent1 := netlink.UEvent{
		Action: netlink.REMOVE,
		KObj:   "/devices/pci0000:00/usb1/1-1",
		Env: map[string]string{
			"PRODUCT": "24f7/2204/100",
		},
	}
	monitor.handleEvent(uevent1)

	// A second sensor with a different bcdDevice unplugged at the same time
	uevent2 := netlink.UEvent{
		Action: netlink.REMOVE,
		KObj:   "/devices/pci0000:00/usb1/1-2",
		Env: map[string]string{
			"PRODUCT": "24f7/2204/201",
		},
	}
	monitor.handleEvent(uevent2)

	mu.Lock()
	assert.Equal(t, 2, callCount, "REMOVE events for different products should both trigger handler")
	mu.Unlock()
}

func TestMonitor_ShouldDebounceRemove(t *testing.T) {
	monitor := NewMonitor(nil)
	product := "24f7/2204/100"

	shouldDebounce := monitor.shouldDebounceRemove(product)
	assert.False(t, shouldDebounce, "first call should not debounce")

	shouldDebounce = monitor.shouldDebounceRemove(product)
	assert.True(t, shouldDebounce, "immediate second call should debounce")

	monitor.mu.Lock()
	_, exists := monitor.lastRemoveTime[product]
	monitor.mu.Unlock()
	assert.True(t, exists, "product should be in lastRemoveTime map")
}

func TestMonitor_ShouldDebounceRemove_Cleanup(t *testing.T) {
	monitor := NewMonitor(nil)

	oldProduct := "old/product/1"
	monitor.mu.Lock()
	monitor.lastRemoveTime[oldProduct] = time.Now().Add(-2 * time.Minute)
	monitor.mu.Unlock()

	newProduct := "new/product/1"
	monitor.shouldDebounceRemove(newProduct)

	monitor.mu.Lock()
	_, oldExists := monitor.lastRemoveTime[oldProduct]
	_, newExists := monitor.lastRemoveTime[newProduct]
	monitor.mu.Unlock()

	assert.False(t, oldExists, "old entry should be cleaned up")
	assert.True(t, newExists, "new entry should exist")
}

func TestMonitor_AddEventsNotDebounced(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	handler := func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		callCount++
	}

	monitor := NewMonitor(handler)

	uevent := netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/pci0000:00/usb1/1-1",
		Env: map[string]string{
			"DEVTYPE": "usb_device",
			"PRODUCT": "24f7/2204/100",
		},
	}

	monitor.handleEvent(uevent)
	monitor.handleEvent(uevent)
	monitor.handleEvent(uevent)

	mu.Lock()
	assert.Equal(t, 3, callCount, "ADD events should not be debounced")
	mu.Unlock()
}
