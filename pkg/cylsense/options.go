package cylsense

import (
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/fako1024/gatt"
)

// WithDeviceID sets the Bluetooth device ID
func WithDeviceID(deviceID string) func(*Device) {
	return func(d *Device) {
		d.deviceID = deviceID
	}
}

// WithDeviceName sets the Bluetooth device name
func WithDeviceName(deviceName string) func(*Device) {
	return func(d *Device) {
		d.deviceName = deviceName
	}
}

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Device) {
	return func(d *Device) {
		d.btDevice = btDevice
	}
}

// WithLogger sets a logger
func WithLogger(logger gas.Logger) func(*Device) {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithPollIntervals sets the initial weight / inclination polling intervals
func WithPollIntervals(weight, inclination time.Duration) func(*Device) {
	return func(d *Device) {
		d.weightInterval = weight
		d.inclinationInterval = inclination
	}
}

// WithReadTimeout sets the deadline for individual characteristic reads
func WithReadTimeout(timeout time.Duration) func(*Device) {
	return func(d *Device) {
		d.readTimeout = timeout
	}
}
