package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"guardwatch/internal/app"
)

var (
	simulateThreatLevel float64
	simulateBlocked     bool
	simulateAnomaly     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed synthetic telemetry through the alert channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateThreatLevel < 0 || simulateThreatLevel > 100 {
			return errors.New("--threat-level must be between 0 and 100")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			ThreatLevel: simulateThreatLevel,
			Blocked:     simulateBlocked,
			Anomaly:     simulateAnomaly,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateThreatLevel, "threat-level", 0, "Synthetic threat level (0-100)")
	simulateCmd.Flags().BoolVar(&simulateBlocked, "blocked", false, "Simulate one blocked transaction")
	simulateCmd.Flags().StringVar(&simulateAnomaly, "anomaly", "", "Synthetic anomaly type, e.g. anomaly_detected")
}
