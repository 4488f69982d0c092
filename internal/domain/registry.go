// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// NormalizeMAC returns mac in upper-case colon form, accepting colon, dash and bare hex input.
func NormalizeMAC(mac string) (string, error) {
	s := strings.TrimSpace(mac)
	if len(s) == 12 && !strings.ContainsAny(s, ":-") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}

	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	return strings.ToUpper(hw.String()), nil
}

// DeviceRegistry implements the Registry interface.
type DeviceRegistry struct {
	devices map[string]*DeviceInfo
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*DeviceInfo),
	}
}

// Register adds a configured device so it is listed before its first advertisement.
func (r *DeviceRegistry) Register(mac, name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device := r.getOrCreate(mac)
	if name != "" {
		device.Name = name
	}
}

// RecordFrame notes an advertisement from mac.
func (r *DeviceRegistry) RecordFrame(mac string, rssi *int, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device := r.getOrCreate(mac)
	if device.FirstSeen.IsZero() {
		device.FirstSeen = at
	}
	device.LastSeen = at
	device.Frames++
	if rssi != nil {
		v := *rssi
		device.RSSI = &v
	}
}

// RecordReading stores the latest reading for its device.
func (r *DeviceRegistry) RecordReading(reading *Reading) {
	if reading == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	device := r.getOrCreate(reading.MAC)
	device.Kind = reading.Kind
	device.ModelID = reading.ModelID
	device.ModelName = reading.ModelName
	if reading.Name != "" {
		device.Name = reading.Name
	}
	device.Readings++
	device.LastReading = reading
}

// RecordSkip counts an advertisement from mac that produced no reading.
func (r *DeviceRegistry) RecordSkip(mac, reason string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device := r.getOrCreate(mac)
	if device.Skips == nil {
		device.Skips = make(map[string]int)
	}
	device.Skips[reason]++
}

// GetDevice retrieves a copy of a device's information.
func (r *DeviceRegistry) GetDevice(mac string) (*DeviceInfo, bool) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return nil, false
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	device, exists := r.devices[normalized]
	if !exists {
		return nil, false
	}

	return device.clone(), true
}

// GetAllDevices returns copies of all devices ordered by MAC.
func (r *DeviceRegistry) GetAllDevices() []*DeviceInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]*DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, device.clone())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })

	return devices
}

// getOrCreate must be called with the write lock held.
func (r *DeviceRegistry) getOrCreate(mac string) *DeviceInfo {
	if normalized, err := NormalizeMAC(mac); err == nil {
		mac = normalized
	}

	device, exists := r.devices[mac]
	if !exists {
		device = &DeviceInfo{MAC: mac}
		r.devices[mac] = device
	}
	return device
}

func (d *DeviceInfo) clone() *DeviceInfo {
	c := *d
	if d.Skips != nil {
		c.Skips = make(map[string]int, len(d.Skips))
		for k, v := range d.Skips {
			c.Skips[k] = v
		}
	}
	if d.RSSI != nil {
		v := *d.RSSI
		c.RSSI = &v
	}
	return &c
}
