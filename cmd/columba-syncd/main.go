package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/torlando-tech/columba-sub007/core"
	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/store"
	"github.com/torlando-tech/columba-sub007/telemetry"
	"github.com/torlando-tech/columba-sub007/transport/wsbridge"
)

var log = logrus.New()
var db *store.Store
var conf Config

func ensureDir(dirName string) error {
	err := os.Mkdir(dirName, os.ModePerm)
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		info, err := os.Stat(dirName)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return errors.New("path exists but is not a directory")
		}
		return nil
	}
	return err
}

func runDaemon() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := wsbridge.Dial(ctx, conf.DaemonURL, logrus.NewEntry(log))
	if err != nil {
		return fmt.Errorf("failed to connect to mesh daemon: %w", err)
	}
	defer bridge.Close()

	metrics := telemetry.New()
	ctrl, err := core.New(core.Config{
		Bridge:      bridge,
		Settings:    db.Settings(),
		Contacts:    db.Contacts(),
		Feed:        db.Announces(),
		Log:         logrus.NewEntry(log),
		Metrics:     metrics,
		SyncTimeout: conf.syncTimeout(),
		TopRelays:   conf.TopRelays,
	})
	if err != nil {
		return fmt.Errorf("failed to build controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	pump := core.NewAnnouncePump(bridge, db.Announces(), nil, logrus.NewEntry(log))
	defer pump.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: conf.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", conf.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}
	g.Go(func() error {
		return pruneLoop(gctx)
	})

	log.Info("Relay sync daemon running")
	err = g.Wait()
	log.Info("Relay sync daemon shutting down")
	return err
}

// pruneLoop drops announces not heard within the TTL once a day.
func pruneLoop(ctx context.Context) error {
	if conf.announceTTL() <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := db.Announces().Prune(ctx, time.Now().Add(-conf.announceTTL()))
			if err != nil {
				log.Warnf("Failed to prune announces: %v", err)
				continue
			}
			if removed > 0 {
				log.Infof("Pruned %d stale announces", removed)
			}
		}
	}
}

func runManualSync() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := wsbridge.Dial(ctx, conf.DaemonURL, logrus.NewEntry(log))
	if err != nil {
		return fmt.Errorf("failed to connect to mesh daemon: %w", err)
	}
	defer bridge.Close()

	ctrl, err := core.New(core.Config{
		Bridge:      bridge,
		Settings:    db.Settings(),
		Contacts:    db.Contacts(),
		Feed:        db.Announces(),
		Log:         logrus.NewEntry(log),
		SyncTimeout: conf.syncTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to build controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	res, err := ctrl.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync aborted: %w", err)
	}
	if res.Kind != core.ResultSuccess {
		return fmt.Errorf("sync failed: %s", res.Reason)
	}
	fmt.Printf("Synced %d messages\n", res.Messages)
	return nil
}

func printStatus(ctx context.Context) error {
	auto, err := db.Settings().AutoSelectEnabled(ctx)
	if err != nil {
		return err
	}
	mode := "manual"
	if auto {
		mode = "auto"
	}

	hash, ok, err := db.Contacts().DesignatedRelay(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("RELAY: none (%s)\n", mode)
	} else if cand, found, err := db.Announces().Node(ctx, hash); err == nil && found && cand.HopsKnown() {
		fmt.Printf("RELAY: %s (%s, hops=%d)\n", hash, mode, cand.Hops)
	} else {
		fmt.Printf("RELAY: %s (%s, hops unknown)\n", hash, mode)
	}

	last, ok, err := db.Settings().LastSyncAt(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("LAST SYNC: %s\n", last.Format(time.RFC3339))
	} else {
		fmt.Println("LAST SYNC: never")
	}

	relays, err := db.Announces().NodesByType(ctx, protocol.NodeTypeRelay)
	if err != nil {
		return err
	}
	fmt.Printf("RELAYS KNOWN: %d\n", len(relays))
	return nil
}

func printRelays(ctx context.Context) error {
	relays, err := db.Announces().NodesByType(ctx, protocol.NodeTypeRelay)
	if err != nil {
		return err
	}
	protocol.SortByDistance(relays)
	for _, cand := range relays {
		hops := "?"
		if cand.HopsKnown() {
			hops = fmt.Sprintf("%d", cand.Hops)
		}
		name := cand.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Printf("%s  hops=%-3s  last seen %s  %s\n", cand.Hash, hops, cand.LastSeen.Format(time.RFC3339), name)
	}
	return nil
}

func main() {
	var configPath string
	var daemonURL string
	var dbPath string
	var metricsAddr string
	var logLevel string

	funcBefore := func(ctx *cli.Context) error {
		conf = defaultConfig()
		if configPath != "" {
			loaded, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			conf = loaded
		}
		if ctx.IsSet("daemon") {
			conf.DaemonURL = daemonURL
		}
		if ctx.IsSet("db") {
			conf.DBPath = dbPath
		}
		if ctx.IsSet("metrics") {
			conf.MetricsAddr = metricsAddr
		}
		if ctx.IsSet("log") {
			conf.LogLevel = logLevel
		}

		level, err := logrus.ParseLevel(conf.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %v", err)
		}
		log.SetLevel(level)

		if dir := filepath.Dir(conf.DBPath); dir != "." {
			if err := ensureDir(dir); err != nil {
				return fmt.Errorf("failed to create database directory: %v", err)
			}
		}
		db, err = store.Open(conf.DBPath, logrus.NewEntry(log))
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		return nil
	}

	funcAfter := func(ctx *cli.Context) error {
		if db != nil {
			return db.Close()
		}
		return nil
	}

	app := &cli.App{
		Name:  "columba-syncd",
		Usage: "keeps a mesh client pointed at the best propagation relay and retrieves messages from it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       "",
				Usage:       "config file path",
				EnvVars:     []string{"COLUMBA_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log",
				Value:       "info",
				Usage:       "logging level",
				EnvVars:     []string{"COLUMBA_LOG"},
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "daemon",
				Value:       "ws://127.0.0.1:4242/engine",
				Usage:       "mesh daemon websocket URL",
				EnvVars:     []string{"COLUMBA_DAEMON"},
				Destination: &daemonURL,
			},
			&cli.StringFlag{
				Name:        "db",
				Value:       "columba.db",
				Usage:       "sqlite database path",
				EnvVars:     []string{"COLUMBA_DB"},
				Destination: &dbPath,
			},
			&cli.StringFlag{
				Name:        "metrics",
				Value:       "",
				Usage:       "Prometheus listen address (empty disables)",
				EnvVars:     []string{"COLUMBA_METRICS"},
				Destination: &metricsAddr,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "runs the relay engine against the mesh daemon",
				Before: funcBefore,
				After:  funcAfter,
				Action: func(ctx *cli.Context) error {
					return runDaemon()
				},
			},
			{
				Name:   "sync",
				Usage:  "runs one sync against the selected relay and reports the outcome",
				Before: funcBefore,
				After:  funcAfter,
				Action: func(ctx *cli.Context) error {
					return runManualSync()
				},
			},
			{
				Name:   "status",
				Usage:  "prints the selected relay and sync state",
				Before: funcBefore,
				After:  funcAfter,
				Action: func(ctx *cli.Context) error {
					return printStatus(context.Background())
				},
			},
			{
				Name:   "relays",
				Usage:  "lists known relays, nearest first",
				Before: funcBefore,
				After:  funcAfter,
				Action: func(ctx *cli.Context) error {
					return printRelays(context.Background())
				},
			},
			{
				Name:      "set-relay",
				Usage:     "pins a relay by destination hash and disables auto-select",
				ArgsUsage: "<hash>",
				Before:    funcBefore,
				After:     funcAfter,
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected exactly one relay hash")
					}
					hash, err := protocol.ParseDestinationHash(ctx.Args().First())
					if err != nil {
						return err
					}
					c := context.Background()
					if err := db.Settings().SetAutoSelectEnabled(c, false); err != nil {
						return err
					}
					if err := db.Settings().SetManualRelayHash(c, hash); err != nil {
						return err
					}
					if err := db.Contacts().SetDesignatedRelay(c, hash); err != nil {
						return err
					}
					fmt.Printf("RELAY: %s (manual)\n", hash)
					return nil
				},
			},
			{
				Name:   "clear-relay",
				Usage:  "removes the relay designation and disables auto-select",
				Before: funcBefore,
				After:  funcAfter,
				Action: func(ctx *cli.Context) error {
					c := context.Background()
					if err := db.Settings().SetAutoSelectEnabled(c, false); err != nil {
						return err
					}
					if err := db.Settings().SetManualRelayHash(c, protocol.DestinationHash{}); err != nil {
						return err
					}
					if err := db.Contacts().ClearDesignatedRelay(c); err != nil {
						return err
					}
					fmt.Println("RELAY: none (manual)")
					return nil
				},
			},
			{
				Name:   "auto-select",
				Usage:  "releases a manual pin and lets the engine follow announces",
				Before: funcBefore,
				After:  funcAfter,
				Action: func(ctx *cli.Context) error {
					c := context.Background()
					if err := db.Settings().SetManualRelayHash(c, protocol.DestinationHash{}); err != nil {
						return err
					}
					if err := db.Settings().SetAutoSelectEnabled(c, true); err != nil {
						return err
					}
					fmt.Println("RELAY SELECTION: auto")
					return nil
				},
			},
			{
				Name:      "set-interval",
				Usage:     "sets the periodic retrieval interval; 0 disables periodic retrieval",
				ArgsUsage: "<duration>",
				Before:    funcBefore,
				After:     funcAfter,
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected exactly one duration")
					}
					d, err := time.ParseDuration(ctx.Args().First())
					if err != nil {
						return fmt.Errorf("failed to parse interval: %w", err)
					}
					c := context.Background()
					if d <= 0 {
						if err := db.Settings().SetAutoRetrieveEnabled(c, false); err != nil {
							return err
						}
						fmt.Println("AUTO RETRIEVE: off")
						return nil
					}
					if err := db.Settings().SetRetrievalInterval(c, d); err != nil {
						return err
					}
					if err := db.Settings().SetAutoRetrieveEnabled(c, true); err != nil {
						return err
					}
					fmt.Printf("AUTO RETRIEVE: every %s\n", d)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
