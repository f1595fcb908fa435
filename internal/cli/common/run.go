package common

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cuihairu/arcade/internal/telemetry"
	"github.com/cuihairu/arcade/internal/tlsutil"
	"github.com/cuihairu/arcade/internal/wire"
)

// DevSecret signs service tokens when nothing else is configured. Strict
// validation refuses it.
const DevSecret = "arcade-dev-secret"

// AddWireFlags registers the transport flags shared by both servers.
func AddWireFlags(fs *pflag.FlagSet) {
	fs.String("codec", "json", "wire codec: json|proto")
	fs.Int("max_frame_size", wire.DefaultMaxFrameSize, "largest accepted frame in bytes")
	fs.String("tls.cert", "", "server certificate; enables TLS")
	fs.String("tls.key", "", "server private key")
	fs.String("tls.client_ca", "", "CA for client certificates; enables mutual TLS")
}

// WireOptions builds server transport options from the codec,
// max_frame_size and tls keys.
func WireOptions(v *viper.Viper) ([]wire.Option, error) {
	var opts []wire.Option
	if name := v.GetString("codec"); name != "" {
		c, err := wire.CodecByName(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wire.WithCodec(c))
	}
	if n := v.GetInt("max_frame_size"); n > 0 {
		opts = append(opts, wire.WithMaxFrameSize(n))
	}
	if cert := v.GetString("tls.cert"); cert != "" {
		cfg, err := tlsutil.ServerConfig(cert, v.GetString("tls.key"), v.GetString("tls.client_ca"))
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		opts = append(opts, wire.WithTLS(cfg))
	}
	return opts, nil
}

// Telemetry starts the OpenTelemetry provider described by the telemetry
// section. The returned stop func flushes exporters.
func Telemetry(ctx context.Context, v *viper.Viper, service string) (*telemetry.Metrics, func(), error) {
	var cfg telemetry.Config
	if err := UnmarshalSection(v, "telemetry", &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = service
	}
	p, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	stop := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}
	return p.Metrics, stop, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ParseRuntimes turns "py=python3 -u" entries into the extension-keyed
// interpreter table of the supervisor. Config keys cannot hold dots, so the
// leading dot of the extension is implied.
func ParseRuntimes(entries []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, e := range entries {
		ext, argv, ok := strings.Cut(e, "=")
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		fields := strings.Fields(argv)
		if !ok || ext == "" || len(fields) == 0 {
			return nil, fmt.Errorf("runtime %q: want ext=command [args]", e)
		}
		out["."+strings.ToLower(ext)] = fields
	}
	return out, nil
}
