// Package output implements the rover's optional output fan-out: it
// consumes NMEA sentence events alongside the current fix snapshot and
// re-emits them to stdout, a file, or a TCP socket, formatted as raw
// NMEA, CSV, or one-JSON-object-per-line.
package output

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bramburn/ntrip-rover/internal/fix"
)

// Method is the output destination: stdout, a file, or a listening socket.
type Method string

const (
	MethodNone   Method = "false"
	MethodStdout Method = "stdout"
	MethodFile   Method = "file"
	MethodSocket Method = "socket"
)

// Format is the per-record encoding.
type Format string

const (
	FormatNMEA Format = "nmea"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Config selects how the sink formats and delivers records.
type Config struct {
	Method   Method
	Format   Format
	Filename string // required when Method == MethodFile
	Port     int    // required when Method == MethodSocket
}

// Sink consumes (nmea sentence, fix snapshot) pairs and writes them out
// in the configured format. With Method == MethodNone (or empty), Handle
// is a no-op.
type Sink struct {
	cfg Config
	log *logrus.Entry

	mu            sync.Mutex
	w             writeCloser
	headerWritten bool
	csvWriter     *csv.Writer
	listener      net.Listener

	clientsMu sync.Mutex
	clients   []net.Conn
}

type writeCloser interface {
	Write([]byte) (int, error)
	Close() error
}

type nopCloser struct{ *os.File }

func (nopCloser) Close() error { return nil }

// New builds a Sink from cfg. For MethodFile it opens (creating/truncating)
// the file; for MethodSocket it starts listening and accepting clients in
// the background. MethodNone and MethodStdout never fail.
func New(cfg Config, log *logrus.Entry) (*Sink, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Sink{cfg: cfg, log: log}

	switch cfg.Method {
	case MethodNone, "":
		return s, nil
	case MethodStdout:
		s.w = nopCloser{os.Stdout}
	case MethodFile:
		f, err := os.Create(cfg.Filename)
		if err != nil {
			return nil, fmt.Errorf("output: create %s: %w", cfg.Filename, err)
		}
		s.w = f
	case MethodSocket:
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("output: listen on port %d: %w", cfg.Port, err)
		}
		s.listener = ln
		go s.acceptLoop()
	default:
		return nil, fmt.Errorf("output: unknown method %q", cfg.Method)
	}

	if cfg.Format == FormatCSV {
		s.csvWriter = csv.NewWriter(s)
	}
	return s, nil
}

// acceptLoop accepts sink-socket clients until the listener is closed,
// fanning every subsequent Write out to all connected clients.
func (s *Sink) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.clientsMu.Lock()
		s.clients = append(s.clients, conn)
		s.clientsMu.Unlock()
	}
}

// Write implements io.Writer, fanning out to the configured destination:
// the single writer (stdout/file) or every connected socket client.
func (s *Sink) Write(p []byte) (int, error) {
	if s.cfg.Method == MethodSocket {
		s.clientsMu.Lock()
		defer s.clientsMu.Unlock()
		live := s.clients[:0]
		for _, c := range s.clients {
			if _, err := c.Write(p); err == nil {
				live = append(live, c)
			} else {
				c.Close()
			}
		}
		s.clients = live
		return len(p), nil
	}
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}

// Handle is called for every NMEA sentence emitted by the serial link, in
// arrival order, alongside the tracker's snapshot at that moment.
func (s *Sink) Handle(sentence string, snap fix.Snapshot) {
	if s.cfg.Method == MethodNone || s.cfg.Method == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.cfg.Format {
	case FormatCSV:
		s.writeCSV(snap)
	case FormatJSON:
		s.writeJSON(snap)
	default: // FormatNMEA
		fmt.Fprintf(s, "%s\r\n", sentence)
	}
}

var csvHeader = []string{
	"timestamp", "latitude", "longitude", "altitude",
	"fix_quality", "fix_mode", "speed_ms", "heading_degrees", "hdop",
}

func (s *Sink) writeCSV(snap fix.Snapshot) {
	if !s.headerWritten {
		_ = s.csvWriter.Write(csvHeader)
		s.headerWritten = true
	}
	row := []string{
		snap.UTCTimestamp(time.Now()).Format(time.RFC3339),
		fmt.Sprintf("%.8f", snap.Latitude),
		fmt.Sprintf("%.8f", snap.Longitude),
		fmt.Sprintf("%.2f", snap.AltitudeMeters),
		fmt.Sprintf("%d", snap.FixQuality),
		fmt.Sprintf("%d", snap.FixMode),
		fmt.Sprintf("%.3f", snap.SpeedMS),
		fmt.Sprintf("%.1f", snap.HeadingDegrees),
		fmt.Sprintf("%.2f", snap.HDOP),
	}
	_ = s.csvWriter.Write(row)
	s.csvWriter.Flush()
}

// jsonRecord is one compact JSON object per line.
type jsonRecord struct {
	Timestamp      string  `json:"timestamp"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Altitude       float64 `json:"altitude"`
	FixQuality     int     `json:"fix_quality"`
	FixMode        int     `json:"fix_mode"`
	SpeedMS        float64 `json:"speed_ms"`
	HeadingDegrees float64 `json:"heading_degrees"`
	HDOP           float64 `json:"hdop"`
}

func (s *Sink) writeJSON(snap fix.Snapshot) {
	rec := jsonRecord{
		Timestamp:      snap.UTCTimestamp(time.Now()).Format(time.RFC3339),
		Latitude:       snap.Latitude,
		Longitude:      snap.Longitude,
		Altitude:       snap.AltitudeMeters,
		FixQuality:     snap.FixQuality,
		FixMode:        snap.FixMode,
		SpeedMS:        snap.SpeedMS,
		HeadingDegrees: snap.HeadingDegrees,
		HDOP:           snap.HDOP,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Warn("output: marshal json record")
		return
	}
	fmt.Fprintf(s, "%s\n", b)
}

// Close releases the underlying writer or listener. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) && firstErr == nil {
			firstErr = err
		}
		s.clientsMu.Lock()
		for _, c := range s.clients {
			c.Close()
		}
		s.clients = nil
		s.clientsMu.Unlock()
	}
	if s.w != nil {
		if err := s.w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.w = nil
	}
	return firstErr
}
