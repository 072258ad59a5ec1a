// Package serial multiplexes outbound RTCM frames toward the GNSS
// receiver with inbound line-oriented NMEA sentences over a serial port,
// and encodes UBX configuration frames (measurement rate, version query).
package serial

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/bramburn/ntrip-rover/internal/ubx"
)

// AutoPort is the sentinel port name that triggers autodetection.
const AutoPort = "auto"

const readBufferSize = 4096

// Link owns a serial connection to the GNSS receiver: it writes RTCM
// frames out and emits NMEA lines in, and carries UBX configuration
// frames for measurement-rate and version queries. Close may be called
// from a different goroutine than the one doing I/O: every I/O method
// captures the port under the mutex before the blocking call, so a
// concurrent Close surfaces as a read/write error on the captured port.
type Link struct {
	log *logrus.Entry

	mu   sync.Mutex
	port serial.Port

	rxBuf []byte // accumulates partial NMEA lines across Poll calls
}

// New returns an unopened Link.
func New(log *logrus.Entry) *Link {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Link{log: log}
}

// Open configures 8-N-1, no flow control, at the given baud rate. If
// portName is AutoPort, the first enumerated port is used.
func (l *Link) Open(portName string, baud int) error {
	if portName == AutoPort {
		name, err := autodetect()
		if err != nil {
			return err
		}
		portName = name
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", portName, err)
	}
	if err := p.SetReadTimeout(200 * time.Millisecond); err != nil {
		p.Close()
		return fmt.Errorf("serial: set read timeout: %w", err)
	}

	l.mu.Lock()
	l.port = p
	l.mu.Unlock()
	l.log.WithField("port", portName).Info("serial link open")
	return nil
}

// getPort returns the open port for a single I/O call.
func (l *Link) getPort() (serial.Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil, fmt.Errorf("serial: port not open")
	}
	return l.port, nil
}

// autodetect returns the name of the first usable enumerated serial port.
func autodetect() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("serial: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if p != nil && p.Name != "" {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("serial: no usable ports found")
}

// Close releases the serial port. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	p := l.port
	l.port = nil
	l.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

// WriteRTCM writes an RTCM frame to the receiver verbatim, preserving the
// order frames were extracted from the caster stream.
func (l *Link) WriteRTCM(frame []byte) error {
	p, err := l.getPort()
	if err != nil {
		return err
	}
	_, err = p.Write(frame)
	return err
}

// Poll reads available bytes, buffers partial lines across calls, and
// returns complete \r\n-terminated NMEA sentences (lines starting with
// '$'); other lines are discarded.
func (l *Link) Poll() ([]string, error) {
	p, err := l.getPort()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	n, err := p.Read(buf)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		l.rxBuf = append(l.rxBuf, buf[:n]...)
	}

	var lines []string
	for {
		idx := indexCRLF(l.rxBuf)
		if idx < 0 {
			break
		}
		line := string(l.rxBuf[:idx])
		l.rxBuf = l.rxBuf[idx+2:]
		if len(line) > 0 && line[0] == '$' {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// SetRate sends a UBX CFG-RATE frame requesting a measurement rate of
// hz Hz.
func (l *Link) SetRate(hz int) error {
	periodMs, err := periodMsForRate(hz)
	if err != nil {
		return err
	}
	_, err = l.write(ubx.CfgRate(periodMs))
	return err
}

// periodMsForRate converts a requested measurement rate in Hz to the
// millisecond period CFG-RATE expects.
func periodMsForRate(hz int) (uint16, error) {
	if hz <= 0 {
		return 0, fmt.Errorf("serial: invalid rate %d Hz", hz)
	}
	return uint16(1000 / hz), nil
}

// QueryVersion sends a UBX MON-VER query and waits for a matching reply,
// bounded to at most 100 read attempts.
func (l *Link) QueryVersion() (ubx.Frame, error) {
	p, err := l.getPort()
	if err != nil {
		return ubx.Frame{}, err
	}
	if _, err := p.Write(ubx.MonVer()); err != nil {
		return ubx.Frame{}, err
	}

	var buf []byte
	for attempt := 0; attempt < 100; attempt++ {
		chunk := make([]byte, readBufferSize)
		n, err := p.Read(chunk)
		if err != nil {
			return ubx.Frame{}, err
		}
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if frame, consumed, ok := ubx.Decode(buf); ok {
				if frame.Class == ubx.ClassMON && frame.ID == ubx.IDMonVer {
					return frame, nil
				}
				buf = buf[consumed:]
			}
		}
	}
	return ubx.Frame{}, fmt.Errorf("serial: no MON-VER reply within read-attempt bound")
}

func (l *Link) write(frame []byte) (int, error) {
	p, err := l.getPort()
	if err != nil {
		return 0, err
	}
	return p.Write(frame)
}
