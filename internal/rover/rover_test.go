package rover

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bramburn/ntrip-rover/internal/ntrip"
)

// nmeaChecksum computes the XOR checksum over the bytes between '$' and '*'.
func nmeaChecksum(body string) byte {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return c
}

// nmeaSentence builds "$<body>*HH" with a correct checksum.
func nmeaSentence(body string) string {
	sum := nmeaChecksum(body)
	const hex = "0123456789ABCDEF"
	return "$" + body + "*" + string(hex[sum>>4]) + string(hex[sum&0x0F])
}

type casterReply struct {
	body string
	hold bool // keep the connection open after replying until stop is called
}

// fakeCaster serves one scripted reply per accepted connection, draining
// the request headers first so the client's write never blocks.
func fakeCaster(t *testing.T, replies []casterReply) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, reply := range replies {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func(c net.Conn, reply casterReply) {
				defer wg.Done()
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
				}
				c.Write([]byte(reply.body))
				if reply.hold {
					<-done
				}
			}(conn, reply)
		}
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	portNum, _ := strconv.Atoi(p)
	return h, portNum, func() {
		close(done)
		ln.Close()
		wg.Wait()
	}
}

func TestNewAppliesDefaultPollInterval(t *testing.T) {
	r := New(Config{NtripMountpoint: "FIXED"}, nil)
	if r.cfg.PollInterval != 200*time.Millisecond {
		t.Fatalf("expected default poll interval, got %v", r.cfg.PollInterval)
	}
}

func TestNewPreservesExplicitPollInterval(t *testing.T) {
	r := New(Config{PollInterval: 50 * time.Millisecond}, nil)
	if r.cfg.PollInterval != 50*time.Millisecond {
		t.Fatalf("expected explicit poll interval preserved, got %v", r.cfg.PollInterval)
	}
}

func TestStopWithoutRunIsSafeAndIdempotent(t *testing.T) {
	r := New(Config{NtripMountpoint: AutoMountpoint}, nil)
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error stopping a never-run rover: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error on second stop: %v", err)
	}
}

func TestStreamingFlagTransitions(t *testing.T) {
	r := New(Config{}, nil)
	if r.isStreaming() {
		t.Fatal("expected not streaming initially")
	}
	r.setStreaming(true)
	if !r.isStreaming() {
		t.Fatal("expected streaming after setStreaming(true)")
	}
	r.setStreaming(false)
	if r.isStreaming() {
		t.Fatal("expected not streaming after setStreaming(false)")
	}
}

func TestOnNMEARegistersSink(t *testing.T) {
	r := New(Config{}, nil)
	var got string
	r.OnNMEA(func(s string) { got = s })
	r.onNMEA("$GPGGA,test*00")
	if got != "$GPGGA,test*00" {
		t.Fatalf("sink did not receive sentence, got %q", got)
	}
}

func TestTrackerAccessorReturnsSameTrackerUsedInternally(t *testing.T) {
	r := New(Config{}, nil)
	if r.Tracker() == nil {
		t.Fatal("expected non-nil tracker")
	}
	if r.Tracker() != r.tracker {
		t.Fatal("Tracker() must return the rover's internal tracker")
	}
	if r.Tracker().HasFix() {
		t.Fatal("fresh tracker must not report a fix")
	}
}

func TestAutoMountpointSentinel(t *testing.T) {
	if AutoMountpoint != "auto" {
		t.Fatalf("AutoMountpoint = %q, want \"auto\"", AutoMountpoint)
	}
}

const sourceTableBody = "SOURCETABLE 200 OK\r\n" +
	"STR;NEAR;City;fmt;details;carrier;nav;DEU;net;48.10;11.50;1;0;gen;none;N;N;0\r\n" +
	"STR;FAR1;City;fmt;details;carrier;nav;DEU;net;52.52;13.40;1;0;gen;none;N;N;0\r\n" +
	"STR;FAR2;City;fmt;details;carrier;nav;USA;net;40.71;-74.01;1;0;gen;none;N;N;0\r\n" +
	"ENDSOURCETABLE\r\n"

// ggaNearCaster places the rover at (48.20, 11.60), ~13 km from NEAR.
var ggaNearCaster = nmeaSentence("GPGGA,123519,4812.000,N,01136.000,E,1,08,0.9,545.4,M,46.9,M,,")

// ggaSydney places the rover at (-33.86, 151.21), far from every entry.
var ggaSydney = nmeaSentence("GPGGA,123519,3351.600,S,15112.600,E,1,08,0.9,10.0,M,46.9,M,,")

func TestTryAutoSelectSubscribesToNearestMountpoint(t *testing.T) {
	host, port, stop := fakeCaster(t, []casterReply{
		{body: sourceTableBody},
		{body: "ICY 200 OK\r\n\r\n", hold: true},
	})
	defer stop()

	r := New(Config{
		NtripHost:       host,
		NtripPort:       port,
		NtripMountpoint: AutoMountpoint,
	}, nil)

	if acquired := r.tracker.Ingest(ggaNearCaster); !acquired {
		t.Fatal("expected a fix-acquisition event from the seed sentence")
	}
	r.tryAutoSelect()

	if !r.isStreaming() {
		t.Fatal("expected the rover to be streaming after auto-selection")
	}
	if state := r.client.State(); state != ntrip.Streaming {
		t.Fatalf("client state = %v, want streaming", state)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestTryAutoSelectRemainsIdleWhenNoCandidateQualifies(t *testing.T) {
	host, port, stop := fakeCaster(t, []casterReply{{body: sourceTableBody}})
	defer stop()

	r := New(Config{
		NtripHost:       host,
		NtripPort:       port,
		NtripMountpoint: AutoMountpoint,
	}, nil)

	if acquired := r.tracker.Ingest(ggaSydney); !acquired {
		t.Fatal("expected a fix-acquisition event from the seed sentence")
	}
	r.tryAutoSelect()

	if r.isStreaming() {
		t.Fatal("expected the rover to remain idle with no candidate in range")
	}
	if state := r.client.State(); state == ntrip.Streaming {
		t.Fatal("client must not be streaming after a failed selection")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestTryAutoSelectRetriesAfterNextFixAcquisition(t *testing.T) {
	host, port, stop := fakeCaster(t, []casterReply{
		{body: sourceTableBody},
		{body: sourceTableBody},
		{body: "ICY 200 OK\r\n\r\n", hold: true},
	})
	defer stop()

	r := New(Config{
		NtripHost:       host,
		NtripPort:       port,
		NtripMountpoint: AutoMountpoint,
	}, nil)

	// First fix is on the wrong side of the planet: selection fails, idle.
	if acquired := r.tracker.Ingest(ggaSydney); !acquired {
		t.Fatal("expected a fix-acquisition event from the first sentence")
	}
	r.tryAutoSelect()
	if r.isStreaming() {
		t.Fatal("expected the rover to remain idle after the failed selection")
	}

	// Fix lost, then re-acquired near the caster's reference station: the
	// acquisition event re-arms and the retry subscribes.
	rmcVoid := nmeaSentence("GPRMC,123519,V,3351.600,S,15112.600,E,000.0,000.0,230394,003.1,W")
	if acquired := r.tracker.Ingest(rmcVoid); acquired {
		t.Fatal("a void RMC must not report acquisition")
	}
	if acquired := r.tracker.Ingest(ggaNearCaster); !acquired {
		t.Fatal("expected a new fix-acquisition event after the fix dropped")
	}
	r.tryAutoSelect()

	if !r.isStreaming() {
		t.Fatal("expected the retry to subscribe once a candidate qualified")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}
