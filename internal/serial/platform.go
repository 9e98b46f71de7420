// Package serial forwards counter updates to an external device over a serial line.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNoDevice is returned when no usable device is present.
var ErrNoDevice = errors.New("serial: no device")

// Port is the write-only byte sink of an open device.
type Port interface {
	io.Writer
	Close() error
}

// Platform enumerates, requests and opens serial devices.
type Platform interface {
	// Authorized lists present devices that were previously authorized.
	Authorized() ([]string, error)
	// Request picks a new device.
	Request() (string, error)
	Open(name string, baud int) (Port, error)
	Present(name string) (bool, error)
}

// SystemPlatform is backed by the operating system's serial ports. Authorized
// entries are port names or USB VID:PID pairs.
type SystemPlatform struct {
	authorized []string
}

func NewSystemPlatform(authorized []string) *SystemPlatform {
	return &SystemPlatform{authorized: authorized}
}

func (p *SystemPlatform) Authorized() ([]string, error) {
	if len(p.authorized) == 0 {
		return nil, nil
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var names []string
	for _, port := range ports {
		if p.matches(port) {
			names = append(names, port.Name)
		}
	}
	return names, nil
}

func (p *SystemPlatform) matches(port *enumerator.PortDetails) bool {
	for _, entry := range p.authorized {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == port.Name {
			return true
		}
		vid, pid, ok := strings.Cut(entry, ":")
		if ok && port.IsUSB && strings.EqualFold(vid, port.VID) && strings.EqualFold(pid, port.PID) {
			return true
		}
	}
	return false
}

func (p *SystemPlatform) Request() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, port := range ports {
		if port.IsUSB {
			return port.Name, nil
		}
	}
	return "", ErrNoDevice
}

func (p *SystemPlatform) Open(name string, baud int) (Port, error) {
	port, err := bugst.Open(name, &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return port, nil
}

func (p *SystemPlatform) Present(name string) (bool, error) {
	names, err := bugst.GetPortsList()
	if err != nil {
		return false, fmt.Errorf("list serial ports: %w", err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// PortInfo describes a present device.
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	Authorized   bool   `json:"authorized"`
}

// List reports every present serial device.
func (p *SystemPlatform) List() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, port := range ports {
		out = append(out, PortInfo{
			Name:         port.Name,
			USB:          port.IsUSB,
			VID:          port.VID,
			PID:          port.PID,
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
			Authorized:   p.matches(port),
		})
	}
	return out, nil
}
