package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func validateFormat(format string) error {
	if format != formatTable && format != formatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, formatTable, formatJSON)
	}
	return nil
}

// styles holds the colors of human readable output. Colors are enabled only
// when stdout is a terminal and --no-color is not set.
type styles struct {
	header  *color.Color
	changed *color.Color
	muted   *color.Color
	warn    *color.Color
}

func newStyles(cmd *cobra.Command) *styles {
	noColor, _ := cmd.Flags().GetBool("no-color")
	enabled := !noColor && isTerminal(cmd.OutOrStdout())

	s := &styles{
		header:  color.New(color.Bold),
		changed: color.New(color.FgGreen, color.Bold),
		muted:   color.New(color.Faint),
		warn:    color.New(color.FgYellow),
	}
	for _, c := range []*color.Color{s.header, s.changed, s.muted, s.warn} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// snapshotMap renders a snapshot with a fixed key order; unknown values are null.
func snapshotMap(snap atick.Snapshot) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("address", snap.Identity.Address)
	m.Set("name", snap.Identity.Name)
	m.Set("model", optionalValue(snap.Info.Model))
	m.Set("manufacturer", optionalValue(snap.Info.Manufacturer))
	m.Set("firmware_version", optionalValue(snap.Info.FirmwareVersion))
	m.Set("counters", optionalValue(snap.Counters))
	m.Set("ratios", snap.Ratios)
	m.Set("last_active_update", optionalTime(snap.LastActiveUpdate))
	m.Set("last_advertisement", optionalTime(snap.LastAdvertisement))
	return m
}

func optionalValue[T any](o atick.Optional[T]) any {
	if v, ok := o.Get(); ok {
		return v
	}
	return nil
}

func optionalTime(o atick.Optional[time.Time]) any {
	if t, ok := o.Get(); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return nil
}

func formatCounters(c atick.Optional[atick.Counters]) string {
	v, ok := c.Get()
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("A=%.2f B=%.2f", v.A, v.B)
}

func formatTime(o atick.Optional[time.Time]) string {
	t, ok := o.Get()
	if !ok {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

// printSnapshot writes a key/value block. highlight colors the counters line.
func printSnapshot(w io.Writer, st *styles, snap atick.Snapshot, highlight bool) error {
	counters := formatCounters(snap.Counters)
	if highlight {
		counters = st.changed.Sprint(counters)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Address:"), snap.Identity.Address)
	if snap.Identity.Name != "" {
		fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Name:"), snap.Identity.Name)
	}
	fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Model:"), snap.Info.Model)
	fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Manufacturer:"), snap.Info.Manufacturer)
	fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Firmware:"), snap.Info.FirmwareVersion)
	fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Counters:"), counters)
	fmt.Fprintf(tw, "%s\tA=%g B=%g\n", st.header.Sprint("Ratios:"), snap.Ratios.A, snap.Ratios.B)
	fmt.Fprintf(tw, "%s\t%s\n", st.header.Sprint("Last active update:"), st.muted.Sprint(formatTime(snap.LastActiveUpdate)))
	return tw.Flush()
}
