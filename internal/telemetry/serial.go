package telemetry

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
)

// PortOptions describes the serial connection used for a UART-attached
// controller.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the port options into the serial.Mode structure
// required by go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialSink writes samples to a serial port using the same line format
// as the TCP server. A write error drops the port for the rest of the run.
type SerialSink struct {
	name        string
	yawDecimals int

	mu    sync.Mutex
	port  io.WriteCloser
	state ConnState
}

// OpenSerial opens the serial port at path.
func OpenSerial(path string, opts PortOptions, yawDecimals int) (*SerialSink, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	monitoring.Logf("Telemetry serial port %s opened at %d baud", path, mode.BaudRate)
	return NewSerialSink(path, port, yawDecimals), nil
}

// NewSerialSink wraps an already open port.
func NewSerialSink(name string, port io.WriteCloser, yawDecimals int) *SerialSink {
	if yawDecimals == 0 {
		yawDecimals = DefaultYawDecimals
	}
	return &SerialSink{
		name:        name,
		yawDecimals: ClampYawDecimals(yawDecimals),
		port:        port,
		state:       Connected,
	}
}

// Send writes one sample.
func (s *SerialSink) Send(sample pose.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		return ErrDropped
	}
	if _, err := io.WriteString(s.port, FormatSample(sample, s.yawDecimals)); err != nil {
		monitoring.Logf("Telemetry serial port %s failed: %v", s.name, err)
		s.port.Close()
		s.state = Dropped
		return fmt.Errorf("%w: %v", ErrDropped, err)
	}
	return nil
}

// State returns the port state.
func (s *SerialSink) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close closes the port.
func (s *SerialSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	s.state = Dropped
	return s.port.Close()
}
