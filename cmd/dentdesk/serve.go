package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/config"
	"github.com/dentdesk/dentdesk/internal/daemon"
	"github.com/dentdesk/dentdesk/internal/dashboard"
	"github.com/dentdesk/dentdesk/internal/logging"
	dsync "github.com/dentdesk/dentdesk/internal/sync"
	"github.com/dentdesk/dentdesk/internal/ui"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the background sync daemon and status dashboard",
	Long: `Run in the foreground until interrupted:

  - probes the cloud copy and pushes queued changes as soon as it is reachable
  - retries the sync queue every sync.flush_interval
  - imports backup files dropped into inbox_dir (if set)
  - serves sync status over WebSocket at ws://<host>:<port>/ws
  - applies auto_sync and log.level edits to the config file without a restart`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Events raised before the dashboard exists have no listeners, so the
		// relay drops them until the handler is installed.
		var dash atomic.Pointer[dashboard.Handler]
		relay := dsync.NotifierFunc(func(ev dsync.Event) {
			if h := dash.Load(); h != nil {
				h.Notify(ev)
			}
		})

		a, err := newApp(ctx, relay)
		if err != nil {
			return err
		}
		defer a.close()

		dashCfg := a.loader.Config().Dashboard
		if cmd.Flags().Changed("port") {
			dashCfg.Port = servePort
		}
		server := dashboard.NewServer(&dashboard.Config{
			Host:   dashCfg.Host,
			Port:   dashCfg.Port,
			Logger: a.logger,
			Status: func(ctx context.Context) dashboard.StatusData {
				queued, _ := a.engine.QueueLen(ctx)
				return dashboard.StatusData{
					Online:   a.engine.Online(),
					AutoSync: a.engine.AutoSync(),
					Queued:   queued,
					Mirror:   a.engine.HasMirror(),
				}
			},
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer func() { _ = server.Stop() }()

		handler := dashboard.NewHandler(server, a.logger)
		dash.Store(handler)

		cfg := a.loader.Config()
		dcfg := daemon.DefaultConfig()
		dcfg.Logger = a.logger
		dcfg.InboxDir = cfg.InboxDir
		if cfg.Sync.ProbeInterval > 0 {
			dcfg.ProbeInterval = cfg.Sync.ProbeInterval
		}
		dcfg.FlushInterval = cfg.Sync.FlushInterval

		var probe func(context.Context) error
		if a.mirror != nil {
			probe = a.mirror.Ping
		}
		var importer daemon.Importer
		if cfg.InboxDir != "" {
			importer = a.state
		}

		d, err := daemon.New(a.engine, a.monitor, probe, importer, dcfg)
		if err != nil {
			return err
		}

		a.loader.Watch(func(prev, next *config.Config) {
			if prev.AutoSync != next.AutoSync {
				a.engine.SetAutoSync(next.AutoSync)
				handler.BroadcastStatus()
			}
			if prev.Log.Level != next.Log.Level {
				if err := logging.SetLevel(a.logger, next.Log.Level); err != nil {
					a.logger.WithError(err).Warn("ignoring log level change")
				}
			}
		}, func(err error) {
			a.logger.WithError(err).Warn("ignoring invalid config change")
		})

		fmt.Fprintf(stdout, "%s dentdesk serving %s\n", ui.Success("●"), ui.Dim("(Ctrl+C to stop)"))
		fmt.Fprint(stdout, ui.KeyValues([][2]string{
			{"database", a.store.Path()},
			{"dashboard", "ws://" + server.Addr() + "/ws"},
			{"inbox", valueOr(cfg.InboxDir, "disabled")},
		}))

		return d.Start(ctx)
	},
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "dashboard port (overrides dashboard.port)")

	rootCmd.AddCommand(serveCmd)
}
