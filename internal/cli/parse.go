package cli

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"liquidation-relay/internal/event"
)

var parseSource string

var parseCmd = &cobra.Command{
	Use:   "parse [payload]",
	Short: "Normalize a raw upstream payload without connecting (reads stdin when no payload is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := event.ParseSource(parseSource)
		if err != nil {
			return err
		}

		var payload []byte
		if len(args) == 1 {
			payload = []byte(args[0])
		} else {
			payload, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}
		if strings.TrimSpace(string(payload)) == "" {
			return errors.New("empty payload")
		}

		return getApp().Parse(source, payload, cmd.OutOrStdout())
	},
}

func init() {
	parseCmd.Flags().StringVar(&parseSource, "source", "binance", "Source: binance, bybit or hyperliquid")
}
