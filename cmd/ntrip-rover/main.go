// Command ntrip-rover is the rover process: it loads an INI config file,
// opens the GNSS serial link, connects to an NTRIP caster (immediately or
// on first fix, per the configured mount-point), and pumps RTCM and NMEA
// traffic between them until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bramburn/ntrip-rover/internal/config"
	"github.com/bramburn/ntrip-rover/internal/output"
	"github.com/bramburn/ntrip-rover/internal/rover"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "ntrip-rover",
		Short: "NTRIP rover: caster correction stream forwarded to a GNSS receiver over serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "config.ini", "path to the INI configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("ntrip-rover: %w", err)
	}

	sink, err := output.New(output.Config{
		Method:   output.Method(cfg.Output),
		Format:   output.Format(cfg.OutputType),
		Filename: cfg.OutputFile,
		Port:     cfg.OutputPort,
	}, log.WithField("component", "output"))
	if err != nil {
		return fmt.Errorf("ntrip-rover: %w", err)
	}
	defer sink.Close()

	r := rover.New(rover.Config{
		NtripHost:       cfg.NtripHost,
		NtripPort:       cfg.NtripPort,
		NtripUsername:   cfg.NtripUsername,
		NtripPassword:   cfg.NtripPassword,
		NtripMountpoint: cfg.NtripMountpoint,
		SerialPort:      cfg.SerialPort,
		SerialBaud:      cfg.SerialBaud,
		RateHz:          cfg.Frequency,
	}, log)

	r.OnNMEA(func(sentence string) {
		sink.Handle(sentence, r.Tracker().Snapshot())
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("error during shutdown")
		}
	}()

	if err := r.Run(); err != nil {
		return fmt.Errorf("ntrip-rover: %w", err)
	}
	return nil
}
