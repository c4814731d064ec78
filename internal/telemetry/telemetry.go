// Package telemetry pushes pose samples to a downstream controller as one
// plain-text line per sample, over a single TCP client or a serial port.
package telemetry

import (
	"errors"
	"strconv"

	"github.com/banshee-data/marker.locator/internal/pose"
)

var (
	// ErrNotConnected is returned by Send before a client has attached.
	ErrNotConnected = errors.New("telemetry client not connected")
	// ErrDropped is returned by Send once the connection has failed. Sends
	// are never retried after a drop.
	ErrDropped = errors.New("telemetry connection dropped")
)

// DefaultYawDecimals is the yaw precision used when none is configured.
const DefaultYawDecimals = 3

// ConnState is the lifecycle of a sink's single connection.
type ConnState int32

const (
	// Disconnected means no client has ever been attached.
	Disconnected ConnState = iota
	// AwaitingClient means the sink is listening for its one client.
	AwaitingClient
	// Connected means samples are being delivered.
	Connected
	// Dropped means the connection failed; it stays dropped for the run.
	Dropped
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingClient:
		return "awaiting_client"
	case Connected:
		return "connected"
	case Dropped:
		return "dropped"
	default:
		return "ConnState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Sink delivers samples to one consumer.
type Sink interface {
	Send(s pose.Sample) error
	State() ConnState
	Close() error
}

// ClampYawDecimals limits yaw precision to 1..3 decimals.
func ClampYawDecimals(n int) int {
	switch {
	case n < 1:
		return 1
	case n > 3:
		return 3
	default:
		return n
	}
}

// FormatSample renders a sample as "<x>,<y>,<yaw>\n" with three decimals
// for x and y and yawDecimals (clamped to 1..3) for yaw.
func FormatSample(s pose.Sample, yawDecimals int) string {
	b := make([]byte, 0, 32)
	b = strconv.AppendFloat(b, s.X, 'f', 3, 64)
	b = append(b, ',')
	b = strconv.AppendFloat(b, s.Y, 'f', 3, 64)
	b = append(b, ',')
	b = strconv.AppendFloat(b, s.Yaw, 'f', ClampYawDecimals(yawDecimals), 64)
	b = append(b, '\n')
	return string(b)
}
