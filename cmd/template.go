package cmd

import (
	"fmt"
	"strings"

	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/output"
	"github.com/spf13/cobra"
)

var templateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"tpl"},
	Short:   "Manage reusable task templates",
	GroupID: "planner",
}

var templateAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a task template",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		difficulty, _ := cmd.Flags().GetString("difficulty")
		autoGen, _ := cmd.Flags().GetBool("auto")

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

		tpl, err := database.PutTemplate(models.Template{Text: strings.Join(args, " "), Difficulty: d, AutoGen: autoGen})
		if err != nil {
			output.Error("add template: %v", err)
			return err
		}
		output.Success("Added template %s", output.ShortID(tpl.ID))
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List task templates",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		tpls, err := database.Templates()
		if err != nil {
			output.Error("list templates: %v", err)
			return err
		}
		w := cmd.OutOrStdout()
		if len(tpls) == 0 {
			fmt.Fprintln(w, "No templates")
			return nil
		}
		for _, tpl := range tpls {
			line := fmt.Sprintf("%s  %s  %s", output.ShortID(tpl.ID), output.FormatDifficulty(tpl.Difficulty), tpl.Text)
			if tpl.AutoGen {
				line += "  (auto)"
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

func init() {
	templateAddCmd.Flags().StringP("difficulty", "d", "", "easy, medium or hard")
	templateAddCmd.Flags().Bool("auto", false, "Generate a task from this template every day")
	templateCmd.AddCommand(templateAddCmd, templateListCmd)
	rootCmd.AddCommand(templateCmd)
}
