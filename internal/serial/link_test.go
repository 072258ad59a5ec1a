package serial

import "testing"

func TestIndexCRLF(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"no newline", -1},
		{"$GPGGA,1*hh\r\n", 11},
		{"\r\n", 0},
		{"abc\r\ndef", 3},
	}
	for _, c := range cases {
		if got := indexCRLF([]byte(c.in)); got != c.want {
			t.Errorf("indexCRLF(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestPeriodMsForRate(t *testing.T) {
	cases := []struct {
		hz      int
		want    uint16
		wantErr bool
	}{
		{10, 100, false},
		{1, 1000, false},
		{5, 200, false},
		{0, 0, true},
		{-1, 0, true},
	}
	for _, c := range cases {
		got, err := periodMsForRate(c.hz)
		if c.wantErr {
			if err == nil {
				t.Errorf("periodMsForRate(%d): expected error", c.hz)
			}
			continue
		}
		if err != nil {
			t.Errorf("periodMsForRate(%d): unexpected error %v", c.hz, err)
		}
		if got != c.want {
			t.Errorf("periodMsForRate(%d) = %d, want %d", c.hz, got, c.want)
		}
	}
}

func TestPollRequiresOpenPort(t *testing.T) {
	l := New(nil)
	if _, err := l.Poll(); err == nil {
		t.Fatal("expected error polling an unopened link")
	}
	if err := l.WriteRTCM([]byte{0xD3}); err == nil {
		t.Fatal("expected error writing to an unopened link")
	}
}
