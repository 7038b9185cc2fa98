package cmd

import (
	"fmt"
	"strconv"

	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/output"
	"github.com/spf13/cobra"
)

var xpCmd = &cobra.Command{
	Use:     "xp",
	Short:   "Show the game state",
	GroupID: "planner",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		gs, err := database.GameState()
		if err != nil {
			output.Error("read game state: %v", err)
			return err
		}
		if jsonOut {
			return output.JSON(gs)
		}
		printGameState(cmd, gs)
		return nil
	},
}

func printGameState(cmd *cobra.Command, gs models.GameState) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Level %d  %s total  %s today  %s available\n",
		gs.Level, output.FormatXP(gs.TotalXP), output.FormatXP(gs.DailyXP), output.FormatXP(gs.AvailableXP))
	if gs.Streak > 0 {
		fmt.Fprintf(w, "Streak: %d days\n", gs.Streak)
	}
	if len(gs.XPHistory) > 0 {
		fmt.Fprint(w, output.SectionHeader("history"))
		for i := len(gs.XPHistory) - 1; i >= 0; i-- {
			h := gs.XPHistory[i]
			fmt.Fprintf(w, "  %s  %s\n", h.Date, output.FormatXP(h.XP))
		}
	}
}

var xpGainCmd = &cobra.Command{
	Use:     "gain <amount>",
	Short:   "Credit XP to the game state",
	Example: `  blocksync xp gain 50 --block 9-12`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[0])
		if err != nil || amount <= 0 {
			err := fmt.Errorf("amount must be a positive integer, got %q", args[0])
			output.Error("%v", err)
			return err
		}
		date, err := resolveDate(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		block, _ := cmd.Flags().GetString("block")

		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		gs, err := database.AddXP(date, amount, block)
		if err != nil {
			output.Error("add xp: %v", err)
			return err
		}
		output.Success("+%s (level %d, %s total)", output.FormatXP(amount), gs.Level, output.FormatXP(gs.TotalXP))
		return nil
	},
}

func init() {
	xpCmd.Flags().Bool("json", false, "Output as JSON")
	xpGainCmd.Flags().String("date", "today", "Day the XP is credited to")
	xpGainCmd.Flags().StringP("block", "b", "", "Time block the XP is attributed to")
	xpCmd.AddCommand(xpGainCmd)
	rootCmd.AddCommand(xpCmd)
}
