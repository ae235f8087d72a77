package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/pkg/config"
	"github.com/srg/atick/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type scanOptions struct {
	duration     time.Duration
	format       string
	all          bool
	services     []string
	allowList    []string
	blockList    []string
	noDuplicates bool
	pin          string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for aTick meters",
		Long: `Scan for Bluetooth Low Energy devices and list aTick meters in range.

Counters are decoded from the advertisement with the PIN of the matching
config entry, the --pin flag, or the default PIN.

Examples:
  atick scan
  atick scan --duration 30s --format json
  atick scan --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Output format (table, json)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "List every BLE device, not only aTick meters")
	cmd.Flags().StringSliceVarP(&opts.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&opts.allowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&opts.blockList, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVar(&opts.noDuplicates, "no-duplicates", true, "Filter duplicate advertisements")
	cmd.Flags().StringVar(&opts.pin, "pin", "", "PIN used to decode meters without a config entry")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if err := validateFormat(opts.format); err != nil {
		return err
	}
	if err := validatePINFlag(opts.pin); err != nil {
		return err
	}
	var serviceUUIDs []string
	if len(opts.services) > 0 {
		var err error
		serviceUUIDs, err = device.ValidateUUID(opts.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := opts.duration
	if duration <= 0 {
		duration = cfg.Scan.Duration
	}

	stack := newBLEStack(logger)
	defer closeStack(stack, logger)

	ctx, cancel := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()

	callback := func(string) {}
	if isTerminal(cmd.ErrOrStderr()) {
		progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for aTick meters", "Scanning", duration, "Processing results")
		progress.Start()
		defer progress.Stop()
		callback = progress.Callback()
	}

	s := scanner.NewScanner(stack, logger)
	found, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:        duration,
		DuplicateFilter: opts.noDuplicates,
		MetersOnly:      !opts.all,
		ServiceUUIDs:    serviceUUIDs,
		AllowList:       opts.allowList,
		BlockList:       opts.blockList,
	}, callback)
	if err != nil {
		return err
	}

	rows := make([]scanRow, 0, len(found))
	for _, d := range found {
		rows = append(rows, newScanRow(d, cfg, opts.pin))
	}

	if opts.format == formatJSON {
		out := make([]*orderedmap.OrderedMap[string, any], 0, len(rows))
		for _, r := range rows {
			out = append(out, r.jsonMap())
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}
	return printScanTable(cmd.OutOrStdout(), newStyles(cmd), rows)
}

// scanRow is one discovery with its decoded counters, if any.
type scanRow struct {
	scanner.Discovery
	counters atick.Optional[atick.Counters]
}

// newScanRow decodes meters with the PIN and MAC of their config entry.
// cliPIN covers meters that have none.
func newScanRow(d scanner.Discovery, cfg *config.Config, cliPIN string) scanRow {
	row := scanRow{Discovery: d}
	if !d.IsMeter() || d.ManufacturerData == nil {
		return row
	}

	pin, mac := cliPIN, d.Address
	if entry, ok := cfg.Device(d.Address); ok {
		if entry.PIN != "" {
			pin = entry.PIN
		}
		if entry.MAC != "" {
			mac = entry.MAC
		}
	}
	if c, err := atick.DecodePayload(d.ManufacturerData, atick.ResolvePIN(pin), mac); err == nil {
		row.counters = atick.Some(c)
	}
	return row
}

func (r scanRow) jsonMap() *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("address", r.Address)
	m.Set("name", r.Name)
	m.Set("rssi", r.RSSI)
	m.Set("connectable", r.Connectable)
	m.Set("meter", r.IsMeter())
	if r.ManufacturerData != nil {
		m.Set("company_id", fmt.Sprintf("0x%04x", r.CompanyID))
		m.Set("manufacturer_data", hex.EncodeToString(r.ManufacturerData))
	} else {
		m.Set("company_id", nil)
		m.Set("manufacturer_data", nil)
	}
	m.Set("counters", optionalValue(r.counters))
	m.Set("services", r.Services)
	m.Set("adverts", r.Adverts)
	m.Set("last_seen", r.LastSeen.UTC().Format(time.RFC3339))
	return m
}

func printScanTable(w io.Writer, st *styles, rows []scanRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No meters found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tCONNECTABLE\tCOUNTERS")
	for _, r := range rows {
		name := r.Name
		if name == "" {
			name = "-"
		}
		counters := "-"
		if r.counters.IsSet() {
			counters = formatCounters(r.counters)
		} else if r.IsMeter() {
			counters = "undecodable"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", r.Address, name, r.RSSI, r.Connectable, counters)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, st.muted.Sprintf("%d device(s)", len(rows)))
	return nil
}
