package storecmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cuihairu/arcade/internal/audit/chain"
	"github.com/cuihairu/arcade/internal/auth/token"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/cli/common"
	"github.com/cuihairu/arcade/internal/db"
	"github.com/cuihairu/arcade/internal/devcert"
	"github.com/cuihairu/arcade/internal/events"
	"github.com/cuihairu/arcade/internal/objstore"
	"github.com/cuihairu/arcade/internal/session"
	"github.com/cuihairu/arcade/internal/store"
	"github.com/cuihairu/arcade/internal/wire"
)

const envPrefix = "ARCADE_STORE"

// New returns the `arcade store` command.
func New() *cobra.Command {
	var cfgFile, profile string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Run the game store (catalog) server",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := common.Load(cmd.Flags(), cfgFile, "store", profile, envPrefix)
			if err != nil {
				return err
			}
			common.SetupLogging(v)
			if err := common.ValidateStoreConfig(v, false); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			ctx, stop := common.SignalContext(cmd.Context())
			defer stop()
			return Run(ctx, v)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml), supports a top-level 'store:' section")
	cmd.Flags().StringVar(&profile, "profile", "", "profile overlay under profiles.<name>")
	Flags(cmd)
	cmd.AddCommand(newTokenCmd(), newVerifyAuditCmd(), newCertsCmd())
	return cmd
}

// Flags registers the store flags on cmd.
func Flags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("addr", ":7000", "listen address")
	fs.String("db.dsn", "", "database DSN (postgres://, mysql://, sqlite-go://, file path)")
	fs.String("db.driver", "auto", "database driver: auto|sqlite|sqlite-go|postgres|mysql")
	fs.Bool("db.debug", false, "log SQL statements")
	fs.String("storage_root", "data/games", "directory holding unpacked game versions")
	fs.Int64("max_archive", store.DefaultMaxArchive, "largest accepted archive in bytes")
	fs.String("objects.driver", "file", "archive storage: file|mem|s3|oss|cos")
	fs.String("objects.base_dir", "data/archives", "base dir for the file driver")
	fs.String("objects.bucket", "", "bucket for s3|oss|cos")
	fs.String("policy", "", "casbin policy csv; empty uses the built-in role policy")
	fs.String("audit_log", "logs/store-audit.log", "hash-chained audit log; empty disables")
	fs.String("service_secret", common.DevSecret, "HS256 secret for service tokens")
	fs.Duration("evict_grace", 2*time.Second, "time an evicted connection stays open after SESSION_EXPIRED")
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

// Run serves the store until ctx is done.
func Run(ctx context.Context, v *viper.Viper) error {
	log := slog.Default().With("component", "store")
	metrics, stopTelemetry, err := common.Telemetry(ctx, v, "arcade-store")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer stopTelemetry()

	gdb, err := db.Open(db.Options{
		Driver:      v.GetString("db.driver"),
		DSN:         v.GetString("db.dsn"),
		DefaultFile: "data/store.db",
		Debug:       v.GetBool("db.debug"),
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	var ocfg objstore.Config
	if err := common.UnmarshalSection(v, "objects", &ocfg); err != nil {
		return fmt.Errorf("objects: %w", err)
	}
	if ocfg.Driver == "file" && ocfg.BaseDir == "" {
		ocfg.BaseDir = filepath.Join(v.GetString("storage_root"), ".archives")
	}
	objects, err := objstore.Open(ctx, ocfg)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	defer objects.Close()

	az, err := authz.New(v.GetString("policy"))
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	var audit chain.Logger = chain.Nop{}
	if p := v.GetString("audit_log"); p != "" {
		w, err := chain.NewWriter(p)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer w.Close()
		audit = w
	}

	var ecfg events.Config
	if err := common.UnmarshalSection(v, "events", &ecfg); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	q, err := events.Open(ecfg)
	if err != nil {
		return err
	}
	pub := events.NewPublisher(q, "store")
	defer pub.Close()

	svc, err := store.NewService(store.Deps{
		DB:          gdb,
		Objects:     objects,
		Authz:       az,
		Audit:       audit,
		Events:      pub,
		Metrics:     metrics,
		StorageRoot: v.GetString("storage_root"),
		MaxArchive:  v.GetInt64("max_archive"),
	})
	if err != nil {
		return err
	}
	if accounts, games, err := svc.Stats(ctx); err == nil {
		log.Info("catalog loaded", "accounts", accounts, "games", games)
	}

	opts, err := common.WireOptions(v)
	if err != nil {
		return err
	}
	secret := v.GetString("service_secret")
	if secret == common.DevSecret {
		log.Warn("using the development service secret")
	}
	h := store.NewHandler(svc, session.NewTable(v.GetDuration("evict_grace")), token.NewManager(secret), metrics)
	srv := wire.NewServer("store", h, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("store listening", "addr", v.GetString("addr"))
		return srv.ListenAndServe(gctx, v.GetString("addr"))
	})
	g.Go(func() error { return az.Watch(gctx) })
	err = g.Wait()
	log.Info("store stopped", "log_counts", common.LogCounters())
	return err
}

func newTokenCmd() *cobra.Command {
	var secret, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for a lobby",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := token.NewManager(secret).Sign(subject, []string{authz.RoleService}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", common.DevSecret, "store service_secret")
	cmd.Flags().StringVar(&subject, "subject", "lobby", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func newVerifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit <file>",
		Short: "Check the hash chain of an audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := chain.Verify(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records OK\n", n)
			return nil
		},
	}
}

func newCertsCmd() *cobra.Command {
	var hosts []string
	var client string
	cmd := &cobra.Command{
		Use:   "certs <dir>",
		Short: "Issue a development CA, a store certificate and a lobby client certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			caCrt, caKey, err := devcert.EnsureCA(dir)
			if err != nil {
				return err
			}
			srvCrt, srvKey, err := devcert.EnsureServerCert(dir, "store", caCrt, caKey, hosts)
			if err != nil {
				return err
			}
			cliCrt, cliKey, err := devcert.EnsureClientCert(dir, client, caCrt, caKey)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store: --tls.cert %s --tls.key %s --tls.client_ca %s\n", srvCrt, srvKey, caCrt)
			fmt.Fprintf(out, "lobby: --store.tls.ca %s --store.tls.cert %s --store.tls.key %s\n", caCrt, cliCrt, cliKey)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "names and IPs of the store certificate")
	cmd.Flags().StringVar(&client, "client", "lobby", "common name of the client certificate")
	return cmd
}
