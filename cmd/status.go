package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/marcus/blocksync/internal/daemon"
	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/output"
	"github.com/marcus/blocksync/internal/sync"
	"github.com/marcus/blocksync/internal/syncclient"
	"github.com/marcus/blocksync/internal/syncconfig"
	"github.com/spf13/cobra"
)

// StatusReport is the --json form of status.
type StatusReport struct {
	Server        string         `json:"server"`
	User          string         `json:"user,omitempty"`
	DeviceID      string         `json:"device_id"`
	DataDir       string         `json:"data_dir"`
	Authenticated bool           `json:"authenticated"`
	TokenExpires  *time.Time     `json:"token_expires,omitempty"`
	Records       int            `json:"records"`
	Unpushed      int            `json:"unpushed"`
	DaemonRunning bool           `json:"daemon_running"`
	Collections   map[string]int `json:"collections"`
	LastError     string         `json:"last_error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show sync configuration and local cache state",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		verbose, _ := cmd.Flags().GetBool("verbose")

		dir, err := dataDir()
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

		report, err := buildStatus(database, dir)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut {
			return output.JSON(report)
		}
		printStatus(cmd.OutOrStdout(), report)

		if verbose {
			return printUnpushed(cmd.OutOrStdout(), database)
		}
		return nil
	},
}

func buildStatus(db *localdb.DB, dir string) (StatusReport, error) {
	token := syncconfig.GetToken()
	deviceID, err := deviceFor(token)
	if err != nil {
		return StatusReport{}, err
	}
	r := StatusReport{
		Server:        syncconfig.GetServerURL(),
		User:          userFor(token),
		DeviceID:      deviceID,
		DataDir:       dir,
		Authenticated: token != "",
		DaemonRunning: daemon.Running(dir),
		Collections:   map[string]int{},
	}
	if token != "" {
		if info, err := syncclient.InspectToken(token); err == nil && !info.ExpiresAt.IsZero() {
			exp := info.ExpiresAt
			r.TokenExpires = &exp
		}
	}

	r.Records, r.Unpushed, err = db.Count()
	if err != nil {
		return r, err
	}
	for _, s := range sync.Strategies() {
		recs, err := db.List(s.Collection, "")
		if err != nil {
			return r, err
		}
		if len(recs) > 0 {
			r.Collections[s.Collection] = len(recs)
		}
	}

	if tail, err := db.SyncLogTail(50); err == nil {
		for i := len(tail) - 1; i >= 0; i-- {
			if tail[i].Level == string(sync.LevelError) {
				r.LastError = fmt.Sprintf("%s: %s (%s)", tail[i].Message, tail[i].Error, output.FormatTimeAgo(tail[i].CreatedAt))
				break
			}
		}
	}
	return r, nil
}

func printStatus(w io.Writer, r StatusReport) {
	fmt.Fprintf(w, "Server:    %s\n", r.Server)
	switch {
	case !r.Authenticated:
		fmt.Fprintln(w, "Auth:      not authenticated (blocksync token <jwt>)")
	case r.TokenExpires != nil:
		fmt.Fprintf(w, "Auth:      token for %s, expires %s\n", r.User, output.FormatRelative(*r.TokenExpires))
	default:
		fmt.Fprintf(w, "Auth:      token for %s\n", r.User)
	}
	fmt.Fprintf(w, "Device:    %s\n", r.DeviceID)
	fmt.Fprintf(w, "Data dir:  %s\n", r.DataDir)
	if r.DaemonRunning {
		fmt.Fprintln(w, "Daemon:    running")
	} else {
		fmt.Fprintln(w, "Daemon:    stopped")
	}

	fmt.Fprint(w, output.SectionHeader("cache"))
	fmt.Fprintf(w, "  %d records, %d unpushed\n", r.Records, r.Unpushed)
	for _, s := range sync.Strategies() {
		if n := r.Collections[s.Collection]; n > 0 {
			fmt.Fprintf(w, "  %-16s %d\n", s.Collection, n)
		}
	}
	if r.LastError != "" {
		fmt.Fprint(w, output.SectionHeader("last error"))
		fmt.Fprintf(w, "  %s\n", r.LastError)
	}
}

func printUnpushed(w io.Writer, db *localdb.DB) error {
	dirty, err := db.Dirty()
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}
	fmt.Fprint(w, output.SectionHeader("unpushed"))
	for _, rec := range dirty {
		fmt.Fprintf(w, "  %s\n", output.FormatRecordLine(rec.Collection, rec.Key, len(rec.Data), rec.UpdatedAt, rec.Dirty))
	}
	return nil
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().BoolP("verbose", "v", false, "List unpushed records")
	rootCmd.AddCommand(statusCmd)
}
