// Package config loads the rover's INI configuration file (sections
// ntrip, serial, output) via viper, applying the defaults documented
// for the core.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of values the rover needs at startup.
type Config struct {
	NtripHost       string
	NtripPort       int
	NtripMountpoint string
	NtripUsername   string
	NtripPassword   string

	SerialPort string
	SerialBaud int
	Frequency  int

	Output       string // false / stdout / file / socket
	OutputType   string // nmea / csv / json
	OutputFile   string
	OutputPort   int
}

// Load reads the INI file at path and returns the resolved Config,
// applying defaults for any key left unset.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("ntrip.host", "crtk.net")
	v.SetDefault("ntrip.port", 2101)
	v.SetDefault("ntrip.mountpoint", "auto")
	v.SetDefault("ntrip.username", "")
	v.SetDefault("ntrip.password", "")

	v.SetDefault("serial.port", "auto")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.frequency", 10)

	v.SetDefault("output.output", "false")
	v.SetDefault("output.output_type", "nmea")
	v.SetDefault("output.filename", "")
	v.SetDefault("output.port", 0)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Config{
		NtripHost:       v.GetString("ntrip.host"),
		NtripPort:       v.GetInt("ntrip.port"),
		NtripMountpoint: v.GetString("ntrip.mountpoint"),
		NtripUsername:   v.GetString("ntrip.username"),
		NtripPassword:   v.GetString("ntrip.password"),

		SerialPort: v.GetString("serial.port"),
		SerialBaud: v.GetInt("serial.baud"),
		Frequency:  v.GetInt("serial.frequency"),

		Output:     v.GetString("output.output"),
		OutputType: v.GetString("output.output_type"),
		OutputFile: v.GetString("output.filename"),
		OutputPort: v.GetInt("output.port"),
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Output {
	case "false", "stdout", "file", "socket":
	default:
		return fmt.Errorf("config: output.output must be one of false/stdout/file/socket, got %q", cfg.Output)
	}
	switch cfg.OutputType {
	case "nmea", "csv", "json":
	default:
		return fmt.Errorf("config: output.output_type must be one of nmea/csv/json, got %q", cfg.OutputType)
	}
	if cfg.Output == "file" && cfg.OutputFile == "" {
		return fmt.Errorf("config: output.filename is required when output.output=file")
	}
	if cfg.Output == "socket" && cfg.OutputPort == 0 {
		return fmt.Errorf("config: output.port is required when output.output=socket")
	}
	if cfg.SerialBaud <= 0 {
		return fmt.Errorf("config: serial.baud must be positive, got %d", cfg.SerialBaud)
	}
	if cfg.Frequency <= 0 {
		return fmt.Errorf("config: serial.frequency must be positive, got %d", cfg.Frequency)
	}
	return nil
}
