// cirrusd - Local context synchronization daemon
//
// cirrusd keeps a device's context store (an append-only event log plus a
// materialized view) and reconciles it with the owner's other devices over
// the local network. It runs four loops: UDP presence discovery, TCP sync
// sessions, the local IPC control socket, and a config watcher.
//
// Use cirrusctl to talk to a running daemon.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cirrusd/internal/clock"
	"cirrusd/internal/config"
	"cirrusd/internal/discovery"
	"cirrusd/internal/event"
	"cirrusd/internal/identity"
	"cirrusd/internal/ipc"
	"cirrusd/internal/logging"
	"cirrusd/internal/merge"
	"cirrusd/internal/store"
	"cirrusd/internal/syncp"
	"cirrusd/internal/trust"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cirrusd %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "cirrusd: %v\n", err)
		os.Exit(1)
	}
}

// pairingAuthorizer routes discovery sightings: trusted devices go to the
// sync manager, unknown ones into the registry as pending.
type pairingAuthorizer struct {
	registry *trust.Registry
}

func (a *pairingAuthorizer) Trusted(d event.DeviceID) bool {
	return a.registry.Trusted(d)
}

func (a *pairingAuthorizer) Candidate(d event.DeviceID, publicKey ed25519.PublicKey, name string) {
	// Record as pending; cirrusctl pair completes the flow.
	if _, err := a.registry.Observe(d, publicKey, name); err != nil {
		logging.Default().Warn("record candidate device", "device", d.String(), "error", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefault(log)
	log.Info("starting", "version", version, "config", configPath)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	id, err := identity.LoadOrGenerate(cfg.Device.KeyPath)
	if err != nil {
		return err
	}
	log.Info("identity loaded", "device", id.Device().String(), "name", cfg.Device.Name)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	tracker, err := clock.NewTracker(id.Device(), st)
	if err != nil {
		return err
	}
	registry := trust.NewRegistry(id.Device(), st)

	schemas, err := event.LoadSchemaDir(cfg.Schemas.Dir)
	if err != nil {
		return err
	}
	if schemas.Len() > 0 {
		log.Info("payload schemas loaded", "count", schemas.Len(), "dir", cfg.Schemas.Dir)
	}

	engine, err := merge.NewEngine(st, tracker, registry, merge.Options{
		MaxDeferredRetries: cfg.Sync.MaxDeferredRetries,
		Schemas:            schemas,
		Logger:             log.Component("merge"),
	})
	if err != nil {
		return err
	}

	syncPort, err := listenPort(cfg.Sync.ListenAddr)
	if err != nil {
		return err
	}

	auth := &pairingAuthorizer{registry: registry}
	disco := discovery.New(id, auth, discovery.Options{
		Port:             cfg.Discovery.Port,
		SyncPort:         syncPort,
		Name:             cfg.Device.Name,
		AnnounceInterval: cfg.AnnounceInterval(),
		Grace:            cfg.Grace(),
		Logger:           log.Component("discovery"),
	})

	manager := syncp.NewManager(id, registry, engine, st, syncp.Options{
		ListenAddr:     cfg.Sync.ListenAddr,
		SessionTimeout: cfg.SessionTimeout(),
		BatchSize:      cfg.Sync.BatchSize,
		Logger:         log.Component("sync"),
	})

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:    version,
		DeviceName: cfg.Device.Name,
		Identity:   id,
		Store:      st,
		Engine:     engine,
		Registry:   registry,
		Peers:      disco.Table(),
		Sessions:   manager,
	})
	server := ipc.NewServer(cfg.IPC.SocketPath, handler, log.Component("ipc"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		return manager.Run(ctx, disco.Sightings())
	})
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			err := disco.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	} else {
		log.Info("discovery disabled")
	}

	// Fan view updates out to IPC subscribers.
	g.Go(func() error {
		updates := st.Subscribe()
		defer st.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return nil
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				server.Broadcast(&ipc.ViewUpdateEvent{
					Category:   string(u.Category),
					Key:        u.Key,
					Generation: u.Generation,
				})
			}
		}
	})

	// Hot reload: only the log level adjusts live; everything else takes
	// effect on restart.
	g.Go(func() error {
		err := config.Watch(ctx, configPath, log.Component("config"), func(next *config.Config) {
			if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
				log.SetLevel(lvl)
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	log.Info("ready",
		"sync", cfg.Sync.ListenAddr,
		"discovery_port", cfg.Discovery.Port,
		"socket", cfg.IPC.SocketPath)

	err = g.Wait()
	log.Info("stopped")
	return err
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lvl, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     lvl,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "cirrusd",
	})
}

// listenPort extracts the advertised TCP port from the sync listen address.
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("sync.listen_addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("sync.listen_addr %q: bad port", addr)
	}
	return port, nil
}
