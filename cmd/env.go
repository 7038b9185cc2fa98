package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/remote"
	"github.com/marcus/blocksync/internal/sync"
	"github.com/marcus/blocksync/internal/syncclient"
	"github.com/marcus/blocksync/internal/syncconfig"
	"github.com/marcus/blocksync/internal/synclog"
)

// calibrateTimeout bounds server clock calibration on startup.
const calibrateTimeout = 5 * time.Second

// dataDir returns --data-dir or the configured cache directory.
func dataDir() (string, error) {
	if dataDirFlag != "" {
		return dataDirFlag, nil
	}
	return syncconfig.GetDataDir()
}

func openLocalDB() (*localdb.DB, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	db, err := localdb.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	return db, nil
}

// syncEnv is everything a command needs to talk to the server.
type syncEnv struct {
	db     *localdb.DB
	client *syncclient.Client
	clock  *remote.ServerClock
	engine *sync.Engine
}

// userFor returns the configured user, falling back to the token subject.
func userFor(token string) string {
	if u := syncconfig.GetUserID(); u != "" {
		return u
	}
	if token == "" {
		return ""
	}
	info, err := syncclient.InspectToken(token)
	if err != nil {
		slog.Debug("inspect token", "err", err)
		return ""
	}
	return info.UserID
}

// deviceFor returns the device named by the token's did claim, falling
// back to the locally generated device id. The server rejects envelopes
// whose deviceId differs from the token's.
func deviceFor(token string) (string, error) {
	if token != "" {
		if info, err := syncclient.InspectToken(token); err == nil && info.DeviceID != "" {
			return info.DeviceID, nil
		}
	}
	return syncconfig.GetDeviceID()
}

// newSyncEnv opens the cache and builds an engine for it. Without a token
// the engine runs local-only and every push is a no-op.
func newSyncEnv(ctx context.Context) (*syncEnv, error) {
	db, err := openLocalDB()
	if err != nil {
		return nil, err
	}
	token := syncconfig.GetToken()
	deviceID, err := deviceFor(token)
	if err != nil {
		db.Close()
		return nil, err
	}
	env := &syncEnv{
		db:     db,
		client: syncclient.New(syncconfig.GetServerURL(), token, deviceID),
		clock:  remote.NewServerClock(nil),
	}

	var store remote.Store
	if env.client.Available() {
		store = env.client
		cctx, cancel := context.WithTimeout(ctx, calibrateTimeout)
		if err := env.clock.Calibrate(cctx, env.client.ServerTime); err != nil {
			slog.Debug("clock calibration failed, using local time", "err", err)
		}
		cancel()
	}

	env.engine = sync.NewEngine(sync.Options{
		Store:      store,
		UserID:     userFor(token),
		DeviceID:   deviceID,
		Clock:      env.clock,
		Log:        synclog.New(db, synclog.WithLogger(slog.Default()), synclog.WithMinLevel(sync.LevelInfo)),
		Applier:    db,
		MaxRetries: syncconfig.GetMaxRetries(),
		Retry:      sync.RetryConfig{BaseDelay: syncconfig.GetRetryBaseDelay()},
	})
	return env, nil
}

func (e *syncEnv) Close() error {
	e.engine.ClearRetryQueue()
	return e.db.Close()
}

func (e *syncEnv) registry() *sync.Registry {
	return sync.NewRegistry(e.engine, sync.RegistryConfig{LookbackDays: syncconfig.GetLookbackDays()})
}

// requireRemote fails when no server is configured.
func (e *syncEnv) requireRemote() error {
	if !e.engine.Available() {
		return fmt.Errorf("not connected: set a token with 'blocksync token <jwt>'")
	}
	if e.engine.UserID() == "" {
		return fmt.Errorf("no user: set one with 'blocksync config set user <id>'")
	}
	return nil
}

// lookupCollection resolves a collection name and validates key against it.
func lookupCollection(name, key string) (sync.Strategy, error) {
	s, ok := sync.Lookup(name)
	if !ok {
		names := make([]string, 0, len(sync.Strategies()))
		for _, st := range sync.Strategies() {
			names = append(names, st.Collection)
		}
		return s, fmt.Errorf("unknown collection %q (one of %v)", name, names)
	}
	if key != "" || !s.Keyed() {
		if err := s.CheckKey(key); err != nil {
			return s, err
		}
	}
	return s, nil
}
