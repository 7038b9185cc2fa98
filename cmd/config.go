package cmd

import (
	"fmt"
	"strings"

	"github.com/marcus/blocksync/internal/output"
	"github.com/marcus/blocksync/internal/syncclient"
	"github.com/marcus/blocksync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Read and write ~/.config/blocksync/config.json",
	GroupID: "system",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print a config value, or every value",
	Long: `Print stored config values. Environment overrides (BLOCKSYNC_*) are not
reflected here.

Keys: ` + strings.Join(syncconfig.Keys(), ", "),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if len(args) == 1 {
			v, err := syncconfig.Get(args[0])
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fmt.Fprintln(w, v)
			return nil
		}
		for _, k := range syncconfig.Keys() {
			v, err := syncconfig.Get(k)
			if err != nil {
				return err
			}
			if k == "token" && v != "" {
				v = maskToken(v)
			}
			fmt.Fprintf(w, "%-20s %s\n", k, v)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a config value (empty value clears it)",
	Example: `  blocksync config set url https://sync.example.com
  blocksync config set autosync.interval 10m
  blocksync config set lookback_days ""`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.Set(args[0], args[1]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Set %s", args[0])
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <jwt>",
	Short: "Store the bearer token issued by blocksync-server",
	Long: `Store a token from 'blocksync-server token'. The user id is taken from the
token subject unless one is already configured.`,
	GroupID: "system",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(args[0])
		info, err := syncclient.InspectToken(token)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := syncconfig.Set("token", token); err != nil {
			output.Error("%v", err)
			return err
		}
		if cur, _ := syncconfig.Get("user"); cur == "" {
			if err := syncconfig.Set("user", info.UserID); err != nil {
				return err
			}
		} else if cur != info.UserID {
			output.Warning("configured user %s differs from token subject %s", cur, info.UserID)
		}

		msg := fmt.Sprintf("Stored token for %s", info.UserID)
		if !info.ExpiresAt.IsZero() {
			msg += ", expires " + output.FormatRelative(info.ExpiresAt)
		}
		output.Success("%s", msg)
		return nil
	},
}

// maskToken keeps the first and last few characters of a token.
func maskToken(t string) string {
	if len(t) <= 12 {
		return "****"
	}
	return t[:6] + "…" + t[len(t)-4:]
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd, tokenCmd)
}
