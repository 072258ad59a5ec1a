// Package ntrip implements the NTRIP client state machine: TCP
// connection to a caster, the HTTP-like handshake, source-table
// retrieval, and RTCM frame extraction from the streamed response body.
package ntrip

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bramburn/ntrip-rover/internal/rtcm"
)

// State is one of the NTRIP client's lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	HandshakePending
	Streaming
	SourceTableFetch
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case HandshakePending:
		return "handshake-pending"
	case Streaming:
		return "streaming"
	case SourceTableFetch:
		return "source-table-fetch"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	userAgent          = "NTRIP ntrip-rover/1.0"
	selectThresholdKM  = 50.0
	earthRadiusKM      = 6371.0
	sourceTableTimeout = 10 * time.Second
	dialTimeout        = 10 * time.Second
)

// Client is a single NTRIP connection to a caster: host/port, credentials,
// and (once streaming) the framer extracting RTCM packets from the
// response body. Stop may be called from a different goroutine than the
// one in ReadFrames: the mutex guards state/conn/reader/framer, and the
// blocking read runs on a reader captured under the lock, so a concurrent
// Stop surfaces as a read error on the closed connection.
type Client struct {
	Host     string
	Port     int
	Username string
	Password string

	log *logrus.Entry

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	framer *rtcm.Framer
	state  State
}

// New returns a disconnected Client for the given caster.
func New(host string, port int, username, password string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		framer:   rtcm.NewFramer(),
		state:    Disconnected,
		log:      log,
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Client) request(path string) string {
	auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s:%d\r\n"+
			"User-Agent: %s\r\n"+
			"Authorization: Basic %s\r\n"+
			"Ntrip-Version: Ntrip/2.0\r\n"+
			"Connection: close\r\n\r\n",
		path, c.Host, c.Port, userAgent, auth,
	)
}

// Start opens a TCP connection to the caster, performs the NTRIP
// handshake for mountpoint, and transitions to Streaming on success. The
// first bytes of the response must start with "ICY 200 OK" or
// "HTTP/1.1 200 OK"; anything else is a fatal handshake error.
func (c *Client) Start(mountpoint string) error {
	c.setState(Connecting)
	conn, err := net.DialTimeout("tcp", c.addr(), dialTimeout)
	if err != nil {
		c.setState(Closed)
		return errors.Wrap(err, "ntrip: connect")
	}
	reader := bufio.NewReader(conn)

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.state = HandshakePending
	c.mu.Unlock()

	if _, err := conn.Write([]byte(c.request("/" + mountpoint))); err != nil {
		c.Stop()
		return errors.Wrap(err, "ntrip: send request")
	}

	if err := c.awaitHandshake(reader); err != nil {
		c.Stop()
		return err
	}

	c.setState(Streaming)
	c.log.WithField("mountpoint", mountpoint).Info("ntrip streaming started")
	return nil
}

// awaitHandshake reads until the header terminator and validates the
// status line, leaving any body bytes already buffered available to the
// first Read call via the bufio.Reader.
func (c *Client) awaitHandshake(reader *bufio.Reader) error {
	header, err := readUntilHeaderEnd(reader)
	if err != nil {
		return errors.Wrap(err, "ntrip: read handshake")
	}
	if !strings.HasPrefix(header, "ICY 200 OK") && !strings.HasPrefix(header, "HTTP/1.1 200 OK") {
		return fmt.Errorf("ntrip: handshake failed, got: %q", firstLine(header))
	}
	return nil
}

// readUntilHeaderEnd reads from r until "\r\n\r\n" and returns everything
// up to and including that terminator.
func readUntilHeaderEnd(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return sb.String(), err
		}
		if line == "\r\n" || line == "\n" {
			return sb.String(), nil
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], "\r")
	}
	return s
}

// ReadFrames blocks on a single read from the caster socket and returns
// any complete RTCM frames extracted from the bytes received.
func (c *Client) ReadFrames() ([]rtcm.Frame, error) {
	c.mu.Lock()
	if c.state != Streaming {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("ntrip: not streaming (state=%s)", state)
	}
	reader := c.reader
	c.mu.Unlock()

	buf := make([]byte, 4096)
	n, err := reader.Read(buf)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Streaming {
		return nil, fmt.Errorf("ntrip: not streaming (state=%s)", c.state)
	}
	frames, ferr := c.framer.Feed(buf[:n])
	if ferr != nil {
		c.log.WithError(ferr).Warn("rtcm framer buffer overflow, resetting")
	}
	return frames, nil
}

// Stop closes the socket and discards any buffered bytes. Idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.state = Closed
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.framer.Reset()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// FindClosestMountpoint fetches the caster's source-table and returns the
// identifier of the mount-point nearest (lat, lon), provided its distance
// is strictly less than selectThresholdKM. An empty string means no
// candidate qualified (caller treats this as failure).
func (c *Client) FindClosestMountpoint(lat, lon float64) (string, error) {
	c.setState(SourceTableFetch)
	defer c.setState(Disconnected)

	conn, err := net.DialTimeout("tcp", c.addr(), dialTimeout)
	if err != nil {
		return "", errors.Wrap(err, "ntrip: source-table connect")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(sourceTableTimeout))

	if _, err := conn.Write([]byte(c.request("/"))); err != nil {
		return "", errors.Wrap(err, "ntrip: source-table request")
	}

	body, err := readAll(conn)
	if err != nil {
		return "", errors.Wrap(err, "ntrip: source-table read")
	}

	entries := parseSourceTable(string(body))
	return closestEntry(entries, lat, lon), nil
}

// DumpSourceTable fetches and returns a caster's raw source-table body,
// for diagnostic use (e.g. cmd/sourcetable-dump); FindClosestMountpoint
// performs the same fetch internally but only returns a selection.
func (c *Client) DumpSourceTable() (string, error) {
	c.setState(SourceTableFetch)
	defer c.setState(Disconnected)

	conn, err := net.DialTimeout("tcp", c.addr(), dialTimeout)
	if err != nil {
		return "", errors.Wrap(err, "ntrip: source-table connect")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(sourceTableTimeout))

	if _, err := conn.Write([]byte(c.request("/"))); err != nil {
		return "", errors.Wrap(err, "ntrip: source-table request")
	}

	body, err := readAll(conn)
	if err != nil {
		return "", errors.Wrap(err, "ntrip: source-table read")
	}
	return string(body), nil
}

func readAll(conn net.Conn) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, nil // EOF (or any read error) ends the fetch
		}
	}
}

// SourceTableEntry is a single STR record from a caster's source-table.
type SourceTableEntry struct {
	Mountpoint string
	City       string
	Country    string
	Latitude   float64
	Longitude  float64
}

// parseSourceTable splits body on CRLF and decodes every STR line. Non-STR
// lines are skipped silently.
func parseSourceTable(body string) []SourceTableEntry {
	var entries []SourceTableEntry
	for _, line := range strings.Split(body, "\r\n") {
		fields := strings.Split(line, ";")
		if len(fields) < 11 || fields[0] != "STR" {
			continue
		}
		lat, errLat := strconv.ParseFloat(fields[9], 64)
		lon, errLon := strconv.ParseFloat(fields[10], 64)
		if errLat != nil || errLon != nil {
			continue
		}
		entries = append(entries, SourceTableEntry{
			Mountpoint: fields[1],
			City:       fields[2],
			Country:    fields[7],
			Latitude:   lat,
			Longitude:  lon,
		})
	}
	return entries
}

// closestEntry returns the mountpoint of the entry nearest (lat, lon),
// provided its distance is strictly below selectThresholdKM.
func closestEntry(entries []SourceTableEntry, lat, lon float64) string {
	best := ""
	bestDist := math.Inf(1)
	for _, e := range entries {
		d := Haversine(lat, lon, e.Latitude, e.Longitude)
		if d < bestDist {
			bestDist = d
			best = e.Mountpoint
		}
	}
	if bestDist >= selectThresholdKM {
		return ""
	}
	return best
}

// Haversine returns the great-circle distance in kilometers between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}
