package motor

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the engine needs.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// Opener opens the named serial line.
type Opener func(name string, mode *serial.Mode) (Port, error)

// OpenSerial is the production Opener.
func OpenSerial(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultMode matches the controller firmware: 9600 8N1, no handshake.
func DefaultMode(baud int) *serial.Mode {
	if baud <= 0 {
		baud = 9600
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}
