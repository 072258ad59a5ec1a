// Command sourcetable-dump is a diagnostic companion to ntrip-rover: it
// fetches a caster's source-table and prints every stream entry, or (when
// given a position) the mount-point the rover's auto-selection would pick.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bramburn/ntrip-rover/internal/ntrip"
)

func main() {
	var (
		host      string
		port      int
		username  string
		password  string
		lat, lon  float64
		useLatLon bool
	)

	root := &cobra.Command{
		Use:   "sourcetable-dump",
		Short: "Fetch and print an NTRIP caster's source-table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				useLatLon = true
			}
			log := logrus.NewEntry(logrus.StandardLogger())
			client := ntrip.New(host, port, username, password, log)

			if useLatLon {
				mount, err := client.FindClosestMountpoint(lat, lon)
				if err != nil {
					return fmt.Errorf("sourcetable-dump: %w", err)
				}
				if mount == "" {
					fmt.Println("no mount-point within the selection threshold")
					return nil
				}
				fmt.Printf("closest mount-point: %s\n", mount)
				return nil
			}

			table, err := client.DumpSourceTable()
			if err != nil {
				return fmt.Errorf("sourcetable-dump: %w", err)
			}
			fmt.Print(table)
			return nil
		},
	}

	root.Flags().StringVar(&host, "host", "crtk.net", "caster hostname")
	root.Flags().IntVar(&port, "port", 2101, "caster TCP port")
	root.Flags().StringVar(&username, "user", "", "HTTP Basic username")
	root.Flags().StringVar(&password, "pass", "", "HTTP Basic password")
	root.Flags().Float64Var(&lat, "lat", 0, "rover latitude, enables closest-mountpoint mode")
	root.Flags().Float64Var(&lon, "lon", 0, "rover longitude, enables closest-mountpoint mode")
	root.Flags().BoolVar(&useLatLon, "select", false, "select and print the closest mount-point for --lat/--lon instead of dumping the whole table")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
