package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bramburn/ntrip-rover/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "[ntrip]\nmountpoint = MYMOUNT\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "crtk.net", cfg.NtripHost)
	require.Equal(t, 2101, cfg.NtripPort)
	require.Equal(t, "MYMOUNT", cfg.NtripMountpoint)
	require.Equal(t, "auto", cfg.SerialPort)
	require.Equal(t, 115200, cfg.SerialBaud)
	require.Equal(t, 10, cfg.Frequency)
	require.Equal(t, "false", cfg.Output)
	require.Equal(t, "nmea", cfg.OutputType)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, ""+
		"[ntrip]\n"+
		"host = rtk2go.com\n"+
		"port = 2102\n"+
		"mountpoint = auto\n"+
		"username = alice\n"+
		"password = secret\n"+
		"[serial]\n"+
		"port = /dev/ttyUSB0\n"+
		"baud = 57600\n"+
		"frequency = 5\n"+
		"[output]\n"+
		"output = file\n"+
		"output_type = csv\n"+
		"filename = out.csv\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "rtk2go.com", cfg.NtripHost)
	require.Equal(t, 2102, cfg.NtripPort)
	require.Equal(t, "alice", cfg.NtripUsername)
	require.Equal(t, "secret", cfg.NtripPassword)
	require.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	require.Equal(t, 57600, cfg.SerialBaud)
	require.Equal(t, 5, cfg.Frequency)
	require.Equal(t, "file", cfg.Output)
	require.Equal(t, "csv", cfg.OutputType)
	require.Equal(t, "out.csv", cfg.OutputFile)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
}

func TestLoadRejectsFileOutputWithoutFilename(t *testing.T) {
	path := writeConfig(t, "[output]\noutput = file\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsSocketOutputWithoutPort(t *testing.T) {
	path := writeConfig(t, "[output]\noutput = socket\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidOutputType(t *testing.T) {
	path := writeConfig(t, "[output]\noutput_type = xml\n")
	_, err := config.Load(path)
	require.Error(t, err)
}
