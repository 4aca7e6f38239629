package cli

import (
	"github.com/spf13/cobra"

	"liquidation-relay/internal/app"
	"liquidation-relay/internal/event"
)

var (
	simulateSource   string
	simulateSymbol   string
	simulateSide     string
	simulateQuantity string
	simulatePrice    string
	simulateText     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次强平事件并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := event.ParseSource(simulateSource)
		if err != nil {
			return err
		}

		opts := app.SimulateOptions{
			Source:   source,
			Symbol:   simulateSymbol,
			Side:     simulateSide,
			Quantity: simulateQuantity,
			Price:    simulatePrice,
			Text:     simulateText,
		}
		return getApp().SimulateAlert(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "binance", "Source: binance, bybit or hyperliquid")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTCUSDT", "交易对 (exchange sources)")
	simulateCmd.Flags().StringVar(&simulateSide, "side", "SELL", "Order side as the exchange reports it (BUY/SELL, Buy/Sell)")
	simulateCmd.Flags().StringVar(&simulateQuantity, "qty", "", "Liquidated quantity")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Liquidation price")
	simulateCmd.Flags().StringVar(&simulateText, "text", "", "Channel post text (hyperliquid source)")
}
