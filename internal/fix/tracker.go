// Package fix parses checksum-validated NMEA GGA/RMC/GSA sentences and
// maintains the latest fix snapshot that gates NTRIP mount-point
// selection.
package fix

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"
)

// Snapshot is the latest known receiver state. hasFix is the authoritative
// predicate for mount-point-selection readiness: it is true iff the most
// recent fix-quality-bearing sentence reported quality > 0.
type Snapshot struct {
	Year, Month, Day int
	Hour, Minute     int
	Second           float64

	Latitude, Longitude float64
	AltitudeMeters       float64
	SpeedKnots           float64
	SpeedMS              float64
	HeadingDegrees       float64
	HDOP                 float64
	FixQuality           int
	FixMode              int
}

// HasFix reports whether this snapshot represents an acquired fix.
func (s Snapshot) HasFix() bool { return s.FixQuality > 0 }

// Tracker ingests NMEA sentences and maintains the current Snapshot. It is
// safe for concurrent use: the snapshot is mutated only from Ingest, and
// read under the same lock by Snapshot/HasFix.
type Tracker struct {
	mu       sync.RWMutex
	snapshot Snapshot
	log      *logrus.Entry
}

// New returns a Tracker with a zero-value snapshot (no fix).
func New(log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{log: log}
}

// Snapshot returns a copy of the latest fix state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}

// HasFix is the gate predicate for mount-point selection.
func (t *Tracker) HasFix() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot.HasFix()
}

// Ingest validates and routes a single NMEA sentence, updating the
// snapshot in place. It returns true exactly when this call transitioned
// HasFix from false to true (the fix-acquisition event).
func (t *Tracker) Ingest(sentence string) bool {
	// nmea.Parse both validates the checksum and identifies the sentence
	// type; a checksum failure or malformed sentence is dropped silently.
	if _, err := nmea.Parse(sentence); err != nil {
		return false
	}

	star := strings.LastIndexByte(sentence, '*')
	if star < 0 || len(sentence) < 6 || sentence[0] != '$' {
		return false
	}
	fields := strings.Split(sentence[:star], ",")
	if len(fields) == 0 {
		return false
	}
	sentenceType := fields[0]
	if len(sentenceType) < 3 {
		return false
	}
	suffix := sentenceType[len(sentenceType)-3:]

	t.mu.Lock()
	defer t.mu.Unlock()

	wasFix := t.snapshot.HasFix()

	switch suffix {
	case "GGA":
		t.ingestGGA(fields)
	case "RMC":
		t.ingestRMC(fields)
	case "GSA":
		t.ingestGSA(fields)
	default:
		return false
	}

	nowFix := t.snapshot.HasFix()
	acquired := !wasFix && nowFix
	if acquired {
		t.log.WithFields(logrus.Fields{
			"lat": t.snapshot.Latitude,
			"lon": t.snapshot.Longitude,
		}).Info("fix acquired")
	}
	return acquired
}

// ingestGGA decodes fields 2-3 (lat/N-S), 4-5 (lon/E-W), 6 (fix-quality),
// 8 (HDOP), 9 (altitude). Fewer fields than required: sentence ignored.
func (t *Tracker) ingestGGA(fields []string) {
	if len(fields) < 10 {
		return
	}
	if lat, ok := decodeLatLon(fields[2], fields[3]); ok {
		t.snapshot.Latitude = lat
	}
	if lon, ok := decodeLatLon(fields[4], fields[5]); ok {
		t.snapshot.Longitude = lon
	}
	if q, ok := parseInt(fields[6]); ok {
		t.snapshot.FixQuality = q
	}
	if h, ok := parseFloat(fields[8]); ok {
		t.snapshot.HDOP = h
	}
	if a, ok := parseFloat(fields[9]); ok {
		t.snapshot.AltitudeMeters = a
	}
}

// ingestRMC decodes field 1 (time), 2 (status), 3-4 (lat), 5-6 (lon),
// 7 (speed knots), 8 (heading), 9 (date).
func (t *Tracker) ingestRMC(fields []string) {
	if len(fields) < 10 {
		return
	}
	if fields[1] != "" {
		if h, m, s, ok := decodeTime(fields[1]); ok {
			t.snapshot.Hour, t.snapshot.Minute, t.snapshot.Second = h, m, s
		}
	}
	if fields[2] == "V" {
		t.snapshot.FixQuality = 0
	}
	if lat, ok := decodeLatLon(fields[3], fields[4]); ok {
		t.snapshot.Latitude = lat
	}
	if lon, ok := decodeLatLon(fields[5], fields[6]); ok {
		t.snapshot.Longitude = lon
	}
	if knots, ok := parseFloat(fields[7]); ok {
		t.snapshot.SpeedKnots = knots
		t.snapshot.SpeedMS = knots * 0.5144
	}
	if h, ok := parseFloat(fields[8]); ok {
		t.snapshot.HeadingDegrees = h
	}
	if fields[9] != "" {
		if y, mo, d, ok := decodeDate(fields[9]); ok {
			t.snapshot.Year, t.snapshot.Month, t.snapshot.Day = y, mo, d
		}
	}
}

// ingestGSA decodes field 2 (fix-mode) and field 15 (HDOP).
func (t *Tracker) ingestGSA(fields []string) {
	if len(fields) < 16 {
		return
	}
	if m, ok := parseInt(fields[2]); ok {
		t.snapshot.FixMode = m
	}
	if h, ok := parseFloat(fields[15]); ok {
		t.snapshot.HDOP = h
	}
}

// decodeLatLon converts an NMEA DDMM.mmmm/DDDMM.mmmm raw coordinate and
// hemisphere letter to signed decimal degrees.
func decodeLatLon(raw, hemisphere string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	degrees := float64(int(v / 100))
	minutes := v - 100*degrees
	decimal := degrees + minutes/60

	switch hemisphere {
	case "S", "W":
		decimal = -decimal
	}
	return decimal, true
}

// decodeTime parses an hhmmss.ss UTC time-of-day field.
func decodeTime(raw string) (hour, minute int, second float64, ok bool) {
	if len(raw) < 6 {
		return 0, 0, 0, false
	}
	h, err1 := strconv.Atoi(raw[0:2])
	m, err2 := strconv.Atoi(raw[2:4])
	s, err3 := strconv.ParseFloat(raw[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return h, m, s, true
}

// decodeDate parses a ddmmyy UTC date field; year = yy + 2000.
func decodeDate(raw string) (year, month, day int, ok bool) {
	if len(raw) != 6 {
		return 0, 0, 0, false
	}
	d, err1 := strconv.Atoi(raw[0:2])
	m, err2 := strconv.Atoi(raw[2:4])
	y, err3 := strconv.Atoi(raw[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return y + 2000, m, d, true
}

func parseFloat(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, err == nil
}

func parseInt(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

// UTCTimestamp returns the snapshot's date/time fields as a time.Time, used
// by the output sinks' ISO-8601 timestamp. now is the fallback when no RMC
// date has been seen yet.
func (s Snapshot) UTCTimestamp(now time.Time) time.Time {
	if s.Year == 0 {
		return now.UTC()
	}
	sec := int(s.Second)
	nsec := int((s.Second - float64(sec)) * 1e9)
	return time.Date(s.Year, time.Month(s.Month), s.Day, s.Hour, s.Minute, sec, nsec, time.UTC)
}
