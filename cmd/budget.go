package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-cli/internal/budget"
)

// budgetReport is a verdict plus the ceiling it was judged against.
type budgetReport struct {
	AgentID    string  `json:"agent_id"`
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason,omitempty"`
	CeilingUSD float64 `json:"ceiling_usd,omitempty"`
	Unlimited  bool    `json:"unlimited,omitempty"`
}

func checkBudget(ctx context.Context, gate *budget.Gate, agentID string) budgetReport {
	status := gate.CheckBudget(ctx, agentID)
	ceiling, ok := gate.Ceiling(agentID)
	return budgetReport{
		AgentID:    agentID,
		Allowed:    status.Allowed,
		Reason:     status.Reason,
		CeilingUSD: ceiling,
		Unlimited:  !ok,
	}
}

var budgetCmd = &cobra.Command{
	Use:   "budget <agent>",
	Short: "Print the budget verdict for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "budget")
		if err != nil {
			return err
		}
		env := &appEnv{Store: st}
		defer env.Close()

		gate := budget.NewGate(st, initBudgetCache(ctx, env), budgetConfig(cfg.Budget))
		return writeJSON(cmd.OutOrStdout(), checkBudget(ctx, gate, args[0]))
	},
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}
