package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/yegors/airspace-billing/internal/adsb"
	"github.com/yegors/airspace-billing/internal/storage/sqlite"
)

var (
	samplesFile  string
	billFlightID string
	billSession  string
	checkLat     float64
	checkLon     float64
	airspaceName string
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Apply one batch of samples from a file",
	Long: `Runs a single tick over a recorded feed. The file may be a readsb
aircraft.json document, an aggregator response or a JSON array of samples.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		samples, err := adsb.FileSource{Path: samplesFile, Clock: a.Clock}.Fetch(cmd.Context())
		if err != nil {
			return err
		}
		report, err := a.Engine.Tick(cmd.Context(), samples)
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Bill a flight or a single overflight session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (billFlightID == "") == (billSession == "") {
			return errors.New("exactly one of --flight or --session is required")
		}

		a, log, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		if billSession != "" {
			batch, err := a.Biller.BillOverflight(cmd.Context(), billSession)
			if err != nil {
				return err
			}
			return printJSON(cmd, batch)
		}

		batch, err := a.Biller.BillFlightNow(cmd.Context(), billFlightID)
		if err != nil {
			return err
		}
		if batch == nil {
			cmd.Printf("Nothing to bill for %s\n", billFlightID)
			return nil
		}
		return printJSON(cmd, batch)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a position is inside the airspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		out := map[string]interface{}{
			"lat":    checkLat,
			"lon":    checkLon,
			"inside": a.Geofence.Contains(checkLat, checkLon),
		}
		if hdl := a.Geofence.Handle(); hdl != nil {
			out["boundary"] = hdl.Name
			out["source"] = hdl.Source
		}
		return printJSON(cmd, out)
	},
}

var setActiveCmd = &cobra.Command{
	Use:   "set-active true|false",
	Short: "Turn tracking and billing on or off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		active, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid state %q: %w", args[0], err)
		}

		a, log, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		if err := a.Gate.SetActive(cmd.Context(), active); err != nil {
			return err
		}
		cmd.Printf("System active: %t\n", active)
		return nil
	},
}

var importAirspaceCmd = &cobra.Command{
	Use:   "import-airspace FILE",
	Short: "Store a GeoJSON boundary as the active airspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read boundary file: %w", err)
		}

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		ref, err := sqlite.NewReferenceStore(db, log)
		if err != nil {
			return err
		}
		if err := ref.PutAirspace(cmd.Context(), airspaceName, data); err != nil {
			return err
		}
		cmd.Printf("Airspace %q is now active\n", airspaceName)
		return nil
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(tickCmd, billCmd, checkCmd, setActiveCmd, importAirspaceCmd)

	tickCmd.Flags().StringVar(&samplesFile, "samples", "", "Path to the samples file")
	tickCmd.MarkFlagRequired("samples")

	billCmd.Flags().StringVar(&billFlightID, "flight", "", "Flight ID to bill")
	billCmd.Flags().StringVar(&billSession, "session", "", "Overflight session ID to bill")

	checkCmd.Flags().Float64Var(&checkLat, "lat", 0, "Latitude in decimal degrees")
	checkCmd.Flags().Float64Var(&checkLon, "lon", 0, "Longitude in decimal degrees")
	checkCmd.MarkFlagRequired("lat")
	checkCmd.MarkFlagRequired("lon")

	importAirspaceCmd.Flags().StringVar(&airspaceName, "name", "national", "Name stored with the boundary")
}
