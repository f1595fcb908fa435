package lobbycmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuihairu/arcade/internal/auth/token"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/catalogcache"
	"github.com/cuihairu/arcade/internal/cli/common"
	"github.com/cuihairu/arcade/internal/db"
	"github.com/cuihairu/arcade/internal/events"
	"github.com/cuihairu/arcade/internal/lobby"
	"github.com/cuihairu/arcade/internal/session"
	"github.com/cuihairu/arcade/internal/storeclient"
	"github.com/cuihairu/arcade/internal/supervisor"
	"github.com/cuihairu/arcade/internal/tlsutil"
	"github.com/cuihairu/arcade/internal/wire"
)

const envPrefix = "ARCADE_LOBBY"

// New returns the `arcade lobby` command.
func New() *cobra.Command {
	var cfgFile, profile string
	cmd := &cobra.Command{
		Use:   "lobby",
		Short: "Run the lobby (rooms and game servers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := common.Load(cmd.Flags(), cfgFile, "lobby", profile, envPrefix)
			if err != nil {
				return err
			}
			common.SetupLogging(v)
			if err := common.ValidateLobbyConfig(v, false); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			ctx, stop := common.SignalContext(cmd.Context())
			defer stop()
			return Run(ctx, v)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml), supports a top-level 'lobby:' section")
	cmd.Flags().StringVar(&profile, "profile", "", "profile overlay under profiles.<name>")
	Flags(cmd)
	return cmd
}

// Flags registers the lobby flags on cmd.
func Flags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("addr", ":7100", "listen address")
	fs.String("db.dsn", "", "database DSN (postgres://, mysql://, sqlite-go://, file path)")
	fs.String("db.driver", "auto", "database driver: auto|sqlite|sqlite-go|postgres|mysql")
	fs.Bool("db.debug", false, "log SQL statements")
	fs.String("downloads_root", "data/downloads", "per-player download directories")
	fs.String("install_root", "", "server copies of games when the store's files are not local")
	fs.Duration("evict_grace", 2*time.Second, "time an evicted connection stays open after SESSION_EXPIRED")

	fs.String("store.addr", "127.0.0.1:7000", "store address")
	fs.String("store.token", "", "service token issued by the store")
	fs.String("store.secret", common.DevSecret, "store service_secret, used to mint a token when store.token is empty")
	fs.Int("store.pool_size", 4, "upstream connections")
	fs.Duration("store.call_timeout", time.Minute, "upstream call timeout")
	fs.String("store.codec", "", "upstream codec; defaults to the lobby codec")
	fs.String("store.tls.ca", "", "CA of the store certificate; enables TLS upstream")
	fs.String("store.tls.cert", "", "lobby client certificate for mutual TLS")
	fs.String("store.tls.key", "", "lobby client key for mutual TLS")
	fs.String("store.tls.server_name", "", "expected store certificate name; defaults to the store host")

	fs.String("supervisor.bind_host", "127.0.0.1", "interface game servers bind to")
	fs.String("supervisor.advertise_host", "", "host handed to players; defaults to bind_host")
	fs.Int("supervisor.port_start", 20000, "first game server port")
	fs.Int("supervisor.port_end", 0, "last game server port; default port_start+9999")
	fs.Duration("supervisor.ready_timeout", 10*time.Second, "time a game server has to accept connections")
	fs.Duration("supervisor.stop_timeout", 5*time.Second, "grace between interrupt and kill")
	fs.StringSlice("supervisor.runtime", []string{"py=python3 -u"}, "interpreter per entry extension, ext=command [args]")
	fs.String("supervisor.log_dir", "logs/games", "game server output; empty discards it")

	fs.String("cache.type", "memory", "catalog cache: memory|redis|none")
	fs.String("cache.redis_url", "", "redis url for the redis cache")
	fs.Duration("cache.ttl", 30*time.Second, "catalog cache lifetime")

	fs.String("events.type", "", "event queue: redis|kafka|memory|noop")
	fs.String("events.redis_url", "", "redis url for the redis queue")
	fs.StringSlice("events.kafka_brokers", nil, "kafka brokers for the kafka queue")
	fs.String("events.prefix", "arcade", "stream/topic prefix")
	fs.String("telemetry.collector_url", "", "OTLP/HTTP collector host:port")
	fs.Bool("telemetry.enable_metrics", false, "export metrics")
	fs.Bool("telemetry.enable_tracing", false, "export traces")
	common.AddWireFlags(fs)
	common.AddLogFlags(fs)
}

func upstream(v *viper.Viper) (storeclient.Config, error) {
	var c storeclient.Config
	if err := common.UnmarshalSection(v, "store", &c); err != nil {
		return c, err
	}
	if c.Codec == "" {
		c.Codec = v.GetString("codec")
	}
	if ca := v.GetString("store.tls.ca"); ca != "" {
		host, _, _ := net.SplitHostPort(c.Addr)
		if name := v.GetString("store.tls.server_name"); name != "" {
			host = name
		}
		cfg, err := tlsutil.ClientConfig(v.GetString("store.tls.cert"), v.GetString("store.tls.key"), ca, host)
		if err != nil {
			return c, fmt.Errorf("store tls: %w", err)
		}
		c.TLS = cfg
	}
	if c.Token == "" {
		tok, err := token.NewManager(v.GetString("store.secret")).Sign("lobby", []string{authz.RoleService}, 365*24*time.Hour)
		if err != nil {
			return c, err
		}
		c.Token = tok
	}
	return c, nil
}

func supervisorConfig(v *viper.Viper) (supervisor.Config, error) {
	var c supervisor.Config
	if err := common.UnmarshalSection(v, "supervisor", &c); err != nil {
		return c, err
	}
	runtimes, err := common.ParseRuntimes(v.GetStringSlice("supervisor.runtime"))
	if err != nil {
		return c, err
	}
	if len(runtimes) > 0 {
		c.Runtimes = runtimes
	}
	return c, nil
}

// Run serves the lobby until ctx is done. Game servers still running are
// killed on the way out.
func Run(ctx context.Context, v *viper.Viper) error {
	log := slog.Default().With("component", "lobby")
	metrics, stopTelemetry, err := common.Telemetry(ctx, v, "arcade-lobby")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer stopTelemetry()

	gdb, err := db.Open(db.Options{
		Driver:      v.GetString("db.driver"),
		DSN:         v.GetString("db.dsn"),
		DefaultFile: "data/lobby.db",
		Debug:       v.GetBool("db.debug"),
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	ucfg, err := upstream(v)
	if err != nil {
		return fmt.Errorf("store client: %w", err)
	}
	client, err := storeclient.New(ucfg)
	if err != nil {
		return fmt.Errorf("store client: %w", err)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		// the pool redials per call; a store that comes up later is fine
		log.Warn("store not reachable yet", "addr", ucfg.Addr, "error", err)
	}

	var ccfg catalogcache.Config
	if err := common.UnmarshalSection(v, "cache", &ccfg); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	catalog, err := catalogcache.New(ccfg, client.ListCatalog)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer catalog.Close()

	var ecfg events.Config
	if err := common.UnmarshalSection(v, "events", &ecfg); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	q, err := events.Open(ecfg)
	if err != nil {
		return err
	}
	pub := events.NewPublisher(q, "lobby")
	defer pub.Close()

	scfg, err := supervisorConfig(v)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	sup := supervisor.New(scfg, metrics)

	svc, err := lobby.NewService(ctx, lobby.Deps{
		DB:            gdb,
		Store:         client,
		Supervisor:    sup,
		Sessions:      session.NewTable(v.GetDuration("evict_grace")),
		Catalog:       catalog,
		Events:        pub,
		Metrics:       metrics,
		DownloadsRoot: v.GetString("downloads_root"),
		InstallRoot:   v.GetString("install_root"),
	})
	if err != nil {
		sup.Shutdown()
		return err
	}
	defer svc.Shutdown()

	opts, err := common.WireOptions(v)
	if err != nil {
		return err
	}
	srv := wire.NewServer("lobby", lobby.NewHandler(svc, metrics), opts...)
	log.Info("lobby listening", "addr", v.GetString("addr"), "store", ucfg.Addr, "ports", sup.Ports().Remaining())
	err = srv.ListenAndServe(ctx, v.GetString("addr"))
	st := client.Pool().Stats()
	log.Info("lobby stopped", "upstream_dials", st.Dials, "log_counts", common.LogCounters())
	return err
}
