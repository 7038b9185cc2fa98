package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/marcus/blocksync/internal/api"
	"github.com/marcus/blocksync/internal/serverdb"
)

const adminUsage = `Usage: blocksync-server <command> [flags]

Commands:
  token    Issue a bearer token for a user and device
  devices  List the devices that have written for a user

Run without a command to start the server.`

func runAdmin(name string, args []string) int {
	switch name {
	case "token":
		return runAdminToken(args, os.Stdout, os.Stderr)
	case "devices":
		return runAdminDevices(args, os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
		fmt.Fprintln(os.Stderr, adminUsage)
		return 1
	}
}

// newAdminFlagSet returns a flag set whose Usage prints a synopsis and the
// flag defaults to errOut.
func newAdminFlagSet(name, synopsis string, errOut io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintf(errOut, "Usage: blocksync-server %s %s\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func runAdminToken(args []string, out, errOut io.Writer) int {
	fs := newAdminFlagSet("token", "--user U [--device D] [--ttl 30d]", errOut)
	user := fs.String("user", "", "user id (token subject)")
	device := fs.String("device", "", "device id bound to the token")
	ttl := fs.String("ttl", "", "lifetime, e.g. 720h or 30d (default: never expires)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *user == "" {
		fmt.Fprintln(errOut, "error: --user is required")
		fs.Usage()
		return 1
	}

	var lifetime time.Duration
	if *ttl != "" {
		lifetime = api.ParseDaysDuration(*ttl)
		if lifetime <= 0 {
			fmt.Fprintf(errOut, "error: invalid --ttl %q\n", *ttl)
			return 1
		}
	}

	cfg := api.LoadConfig()
	if cfg.JWTSecret == "" {
		fmt.Fprintln(errOut, "error: SYNC_JWT_SECRET is required")
		return 1
	}

	now := time.Now()
	token, err := api.IssueToken([]byte(cfg.JWTSecret), *user, *device, lifetime, now)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}

	fmt.Fprintln(out, token)
	if lifetime > 0 {
		fmt.Fprintf(errOut, "expires %s\n", humanize.Time(now.Add(lifetime)))
	}
	return 0
}

func runAdminDevices(args []string, out, errOut io.Writer) int {
	fs := newAdminFlagSet("devices", "--user U [--db DSN]", errOut)
	user := fs.String("user", "", "user id")
	dsn := fs.String("db", "", "server database (default: from SYNC_DATABASE_URL or SYNC_SERVER_DB_PATH)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *user == "" {
		fmt.Fprintln(errOut, "error: --user is required")
		fs.Usage()
		return 1
	}
	if *dsn == "" {
		*dsn = api.LoadConfig().DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := serverdb.Open(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(errOut, "error: open database: %v\n", err)
		return 1
	}
	defer store.Close()

	devices, err := store.ListDevices(ctx, *user)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintf(out, "no devices for %s\n", *user)
		return 0
	}
	for _, d := range devices {
		fmt.Fprintf(out, "%-36s  first %-16s  last %s\n",
			d.DeviceID, humanize.Time(d.FirstSeenAt), humanize.Time(d.LastSeenAt))
	}
	return 0
}
