// Package rover wires the NTRIP client, serial link, and fix tracker
// together: it owns the "wait for fix, select mount-point, subscribe"
// transition and the steady-state RTCM/NMEA pump between them.
package rover

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bramburn/ntrip-rover/internal/fix"
	"github.com/bramburn/ntrip-rover/internal/ntrip"
	"github.com/bramburn/ntrip-rover/internal/rtcm"
	"github.com/bramburn/ntrip-rover/internal/serial"
	"github.com/bramburn/ntrip-rover/internal/ubx"
)

// AutoMountpoint is the sentinel mount-point value that defers
// NtripClient.Start until the first fix, selecting the nearest
// source-table entry instead of a configured mount-point.
const AutoMountpoint = "auto"

// OnNMEA is invoked with every NMEA sentence line emitted by the serial
// link, in arrival order, regardless of whether it updated the fix
// snapshot. Used to feed the optional output fan-out.
type OnNMEA func(sentence string)

// Config is everything the Rover needs to bring the three subsystems up.
type Config struct {
	NtripHost       string
	NtripPort       int
	NtripUsername   string
	NtripPassword   string
	NtripMountpoint string // "auto" or a fixed mount-point id

	SerialPort string // "auto" or a device path
	SerialBaud int
	RateHz     int

	PollInterval time.Duration // defaults to 200ms if zero
}

// Rover owns one NtripClient, one serial Link, and one fix Tracker for
// the process lifetime, and pumps bytes between them.
type Rover struct {
	cfg Config
	log *logrus.Entry

	client  *ntrip.Client
	link    *serial.Link
	tracker *fix.Tracker

	onNMEA OnNMEA

	mu        sync.Mutex
	streaming bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Rover. Subsystems are not opened or connected until
// Run is called.
func New(cfg Config, log *logrus.Entry) *Rover {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Rover{
		cfg:     cfg,
		log:     log,
		client:  ntrip.New(cfg.NtripHost, cfg.NtripPort, cfg.NtripUsername, cfg.NtripPassword, log.WithField("component", "ntrip")),
		link:    serial.New(log.WithField("component", "serial")),
		tracker: fix.New(log.WithField("component", "fix")),
		stopCh:  make(chan struct{}),
	}
}

// OnNMEA registers the sink invoked for every emitted NMEA sentence.
func (r *Rover) OnNMEA(fn OnNMEA) { r.onNMEA = fn }

// Tracker exposes the fix tracker for callers (e.g. output sinks) that
// need the latest snapshot independent of the NMEA event stream.
func (r *Rover) Tracker() *fix.Tracker { return r.tracker }

// Run opens the serial port, and either starts the NTRIP session
// immediately (fixed mount-point) or waits for the first fix before
// selecting and subscribing (auto mount-point). It blocks pumping RTCM
// and NMEA traffic until Stop is called or a fatal error occurs.
func (r *Rover) Run() error {
	if err := r.link.Open(r.cfg.SerialPort, r.cfg.SerialBaud); err != nil {
		return fmt.Errorf("rover: open serial port: %w", err)
	}
	if r.cfg.RateHz > 0 {
		if err := r.link.SetRate(r.cfg.RateHz); err != nil {
			r.log.WithError(err).Warn("failed to set measurement rate")
		}
	}
	if frame, err := r.link.QueryVersion(); err != nil {
		r.log.WithError(err).Warn("receiver version query failed")
	} else if info, ok := ubx.ParseMonVer(frame.Payload); ok {
		r.log.WithFields(logrus.Fields{
			"sw": info.SWVersion,
			"hw": info.HWVersion,
		}).Info("receiver version")
	}

	auto := r.cfg.NtripMountpoint == AutoMountpoint
	if !auto {
		if err := r.client.Start(r.cfg.NtripMountpoint); err != nil {
			r.link.Close()
			return fmt.Errorf("rover: fixed mountpoint handshake: %w", err)
		}
		r.setStreaming(true)
	}

	r.wg.Add(1)
	go r.pumpNMEA(auto)

	if !auto {
		r.wg.Add(1)
		go r.pumpRTCM()
	}

	r.wg.Wait()
	return nil
}

func (r *Rover) setStreaming(v bool) {
	r.mu.Lock()
	r.streaming = v
	r.mu.Unlock()
}

func (r *Rover) isStreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaming
}

// pumpNMEA polls the serial link for NMEA sentences, feeds them to the
// tracker and the registered sink, and — in auto mode — triggers
// mount-point selection on the first fix-acquisition event.
func (r *Rover) pumpNMEA(auto bool) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			lines, err := r.link.Poll()
			if err != nil {
				r.log.WithError(err).Warn("serial poll error")
				continue
			}
			for _, line := range lines {
				acquired := r.tracker.Ingest(line)
				if r.onNMEA != nil {
					r.onNMEA(line)
				}
				if auto && acquired && !r.isStreaming() {
					r.tryAutoSelect()
				}
			}
		}
	}
}

// tryAutoSelect runs find_closest_mountpoint against the caster and
// subscribes on success. On failure it logs and leaves the rover idle;
// the next fix-acquisition event retries.
func (r *Rover) tryAutoSelect() {
	snap := r.tracker.Snapshot()
	mount, err := r.client.FindClosestMountpoint(snap.Latitude, snap.Longitude)
	if err != nil {
		r.log.WithError(err).Warn("source-table fetch failed")
		return
	}
	if mount == "" {
		r.log.Warn("no mount-point within selection threshold, remaining idle")
		return
	}
	if err := r.client.Start(mount); err != nil {
		r.log.WithError(err).Warn("auto mountpoint handshake failed")
		return
	}
	r.setStreaming(true)
	r.wg.Add(1)
	go r.pumpRTCM()
	r.log.WithField("mountpoint", mount).Info("auto-selected mount-point, streaming started")
}

// pumpRTCM reads frames from the NTRIP client and writes them verbatim
// to the serial link, preserving extraction order.
func (r *Rover) pumpRTCM() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
			frames, err := r.client.ReadFrames()
			if err != nil {
				r.log.WithError(err).Warn("ntrip read error, stopping rtcm pump")
				r.setStreaming(false)
				return
			}
			for _, f := range frames {
				if r.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
					r.log.WithFields(logrus.Fields{
						"type":  f.MessageType,
						"desc":  rtcm.Describe(f.Raw),
						"bytes": len(f.Raw),
					}).Debug("rtcm frame")
				}
				if werr := r.link.WriteRTCM(f.Raw); werr != nil {
					r.log.WithError(werr).Warn("serial write error")
				}
			}
		}
	}
}

// Stop closes the NTRIP socket and serial port and waits for the pump
// goroutines to exit. Idempotent. Closing both descriptors before waiting
// is required to unblock any pump currently parked in a blocking read.
func (r *Rover) Stop() error {
	select {
	case <-r.stopCh:
		// already stopped
	default:
		close(r.stopCh)
	}

	var firstErr error
	if err := r.client.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.link.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	r.wg.Wait()
	return firstErr
}
