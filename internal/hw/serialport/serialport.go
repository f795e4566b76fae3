// Package serialport opens the UART used by the AT command channel.
package serialport

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/cjeanneret/MotorGo/internal/debug"
)

// DefaultBaud matches the stock firmware console.
const DefaultBaud = 115200

// Config describes the serial line.
type Config struct {
	Device string
	Baud   int // 0 = DefaultBaud
}

// Mode returns the line settings: 8 data bits, no parity, one stop bit.
func (c Config) Mode() *serial.Mode {
	baud := c.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the configured device.
func Open(cfg Config) (serial.Port, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial device is empty")
	}
	mode := cfg.Mode()
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Device, err)
	}
	debug.Info("Serial AT channel on %s @ %d baud", cfg.Device, mode.BaudRate)
	return port, nil
}

// Ports lists the serial devices present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
