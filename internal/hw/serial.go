package hw

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// SerialBridge talks to a microcontroller that owns the HX711 load cell
// amplifier and the ACS712 current sensor ADC. The host writes one command
// letter per request; the bridge answers with the raw reading as a decimal
// line:
//
//	> H\n
//	< 8388123\n
type SerialBridge struct {
	mu      sync.Mutex
	port    io.ReadWriteCloser
	timeout time.Duration
	name    string
	buf     []byte
}

// maxReplyLen bounds a reply line.
const maxReplyLen = 64

// Bridge command letters.
const (
	BridgeMass    = 'H'
	BridgeCurrent = 'A'
)

// DefaultBridgeBaudRate is the bridge's serial speed.
const DefaultBridgeBaudRate = 115200

// OpenSerialBridge opens the bridge on port.
func OpenSerialBridge(port string, baudRate int, timeout time.Duration) (*SerialBridge, error) {
	if baudRate == 0 {
		baudRate = DefaultBridgeBaudRate
	}

	p, err := serial.Open(port, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, errors.Hardware("serial "+port, err)
	}
	if timeout > 0 {
		if err := p.SetReadTimeout(timeout); err != nil {
			p.Close()
			return nil, errors.Hardware("serial "+port, err)
		}
	}
	return newSerialBridge(p, port, timeout), nil
}

// newSerialBridge wraps an open port. With timeout > 0 the port must return
// (0, nil) from Read once its read timeout expires, as go.bug.st/serial does.
func newSerialBridge(port io.ReadWriteCloser, name string, timeout time.Duration) *SerialBridge {
	return &SerialBridge{port: port, timeout: timeout, name: name}
}

// Channel returns a RawReader for one bridge command.
func (b *SerialBridge) Channel(cmd byte) RawReader {
	return bridgeChannel{b: b, cmd: cmd}
}

// Close closes the port.
func (b *SerialBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

func (b *SerialBridge) request(cmd byte) (float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write([]byte{cmd, '\n'}); err != nil {
		return 0, errors.Hardware("serial "+b.name, err)
	}

	line, err := b.readLine()
	if err != nil {
		// Whatever arrived belongs to a reply we gave up on.
		b.buf = b.buf[:0]
		return 0, errors.Hardware("serial "+b.name, fmt.Errorf("read %c: %w", cmd, err))
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(line), 32)
	if err != nil {
		return 0, fmt.Errorf("serial %s: reply %q: %w", b.name, line, errors.ErrSensorRead)
	}
	return float32(v), nil
}

// readLine reads one reply line. A read that returns no data means the
// port's read timeout expired; the whole line is further bounded by one
// timeout from the first read.
func (b *SerialBridge) readLine() (string, error) {
	var deadline time.Time
	if b.timeout > 0 {
		deadline = time.Now().Add(b.timeout)
	}

	var chunk [maxReplyLen]byte
	for {
		if i := bytes.IndexByte(b.buf, '\n'); i >= 0 {
			line := string(b.buf[:i])
			b.buf = append(b.buf[:0], b.buf[i+1:]...)
			return line, nil
		}
		if len(b.buf) > maxReplyLen {
			return "", fmt.Errorf("reply longer than %d bytes: %w", maxReplyLen, errors.ErrSensorRead)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return "", fmt.Errorf("no reply within %v", b.timeout)
		}

		n, err := b.port.Read(chunk[:])
		b.buf = append(b.buf, chunk[:n]...)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("read timeout after %v", b.timeout)
		}
	}
}

type bridgeChannel struct {
	b   *SerialBridge
	cmd byte
}

func (c bridgeChannel) ReadRaw() (float32, error) {
	return c.b.request(c.cmd)
}
