package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type decodeOptions struct {
	mac    string
	pin    string
	format string
}

func newDecodeCmd() *cobra.Command {
	opts := &decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode <payload-hex>",
		Short: "Decode a captured advertisement payload",
		Long: `Decode the manufacturer payload of an aTick advertisement without a radio.

The payload is the vendor data after the 2-byte company identifier: one
header byte followed by the 8 obfuscated counter bytes.

Examples:
  atick decode 01a7a34692edddcbbe --mac AA:BB:CC:DD:EE:FF
  atick decode "01 a7 a3 46 92 ed dd cb be" --mac AA:BB:CC:DD:EE:FF --pin 123456 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.mac, "mac", "", "Hardware address of the meter (required)")
	cmd.Flags().StringVar(&opts.pin, "pin", "", "Meter PIN (default "+atick.DefaultPIN+")")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Output format (table, json)")
	_ = cmd.MarkFlagRequired("mac")
	return cmd
}

func runDecode(cmd *cobra.Command, payload string, opts *decodeOptions) error {
	if err := validateFormat(opts.format); err != nil {
		return err
	}
	if err := validatePINFlag(opts.pin); err != nil {
		return err
	}
	raw, err := atick.ParseHexPayload(payload)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	counters, err := atick.DecodePayload(raw, atick.ResolvePIN(opts.pin), opts.mac)
	if err != nil {
		return err
	}

	if opts.format == formatJSON {
		m := orderedmap.New[string, any]()
		m.Set("mac", opts.mac)
		m.Set("header", fmt.Sprintf("0x%02x", raw[0]))
		m.Set("counters", counters)
		return writeJSON(cmd.OutOrStdout(), m)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Counter A: %.2f\nCounter B: %.2f\n", counters.A, counters.B)
	return nil
}
