package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcus/blocksync/internal/datekey"
	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/output"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"t"},
	Short:   "Manage the day's tasks in the local cache",
	GroupID: "planner",
}

// resolveDate turns the --date flag into a date key.
func resolveDate(cmd *cobra.Command) (string, error) {
	input, _ := cmd.Flags().GetString("date")
	key, err := datekey.Resolve(input, time.Now())
	if err != nil {
		return "", fmt.Errorf("invalid --date: %w", err)
	}
	return key, nil
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Example: `  blocksync task add "Write report" --difficulty hard --block 9-12
  blocksync task add "Plan week" --date tomorrow`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := resolveDate(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		difficulty, _ := cmd.Flags().GetString("difficulty")
		block, _ := cmd.Flags().GetString("block")
		memo, _ := cmd.Flags().GetString("memo")

		d := models.Difficulty(strings.ToLower(difficulty))
		if d != "" && !models.IsValidDifficulty(d) {
			err := fmt.Errorf("invalid difficulty %q (easy, medium, hard)", difficulty)
			output.Error("%v", err)
			return err
		}

		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		task := models.Task{Title: strings.Join(args, " "), Memo: memo, Difficulty: d}
		if block != "" {
			task.TimeBlock = &block
		}
		task, err = database.AddTask(date, task)
		if err != nil {
			output.Error("add task: %v", err)
			return err
		}
		output.Success("Added %s on %s", output.FormatTaskShort(task), date)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks for a day, or the last --days days",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := resolveDate(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		days, _ := cmd.Flags().GetInt("days")
		jsonOut, _ := cmd.Flags().GetBool("json")

		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		var records []models.DailyData
		if days > 0 {
			records, err = database.RecentDays(days)
		} else {
			var dd models.DailyData
			dd, err = database.DailyData(date)
			records = []models.DailyData{dd}
		}
		if err != nil {
			output.Error("list tasks: %v", err)
			return err
		}

		if jsonOut {
			return output.JSON(records)
		}
		w := cmd.OutOrStdout()
		shown := 0
		for _, dd := range records {
			if len(dd.Tasks) == 0 {
				continue
			}
			fmt.Fprint(w, output.SectionHeader(dd.Date))
			for _, t := range dd.Tasks {
				fmt.Fprintf(w, "  %s\n", output.FormatTaskShort(t))
				shown++
			}
		}
		if shown == 0 {
			fmt.Fprintln(w, "No tasks")
		}
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Complete a task and earn its XP",
	Long:  `Complete a task by id or unique id prefix. Its XP is added to the game state.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := resolveDate(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		id, err := findTaskID(database, date, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		task, err := database.CompleteTask(date, id)
		if err != nil {
			output.Error("complete task: %v", err)
			return err
		}
		gs, err := database.GameState()
		if err != nil {
			return err
		}
		output.Success("Completed %s (+%s, %s total)", task.Title, output.FormatXP(task.BaseXP), output.FormatXP(gs.TotalXP))
		return nil
	},
}

// findTaskID resolves an id prefix against the tasks on date.
func findTaskID(db *localdb.DB, date, prefix string) (string, error) {
	dd, err := db.DailyData(date)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, t := range dd.Tasks {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task %q on %s", prefix, date)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous id %q: %s", prefix, strings.Join(matches, ", "))
	}
}

func init() {
	for _, c := range []*cobra.Command{taskAddCmd, taskListCmd, taskDoneCmd} {
		c.Flags().String("date", "today", "Day: YYYY-MM-DD, today, yesterday, tomorrow, -Nd, +Nd")
	}
	taskAddCmd.Flags().StringP("difficulty", "d", "", "easy, medium or hard (default medium)")
	taskAddCmd.Flags().StringP("block", "b", "", "Time block, e.g. 9-12")
	taskAddCmd.Flags().StringP("memo", "m", "", "Free-form note")
	taskListCmd.Flags().Int("days", 0, "List the last N days instead of --date")
	taskListCmd.Flags().Bool("json", false, "Output as JSON")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd)
	rootCmd.AddCommand(taskCmd)
}
