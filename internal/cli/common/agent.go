package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/tlsutil"
	"github.com/cuihairu/arcade/internal/wire"
)

// Agent holds the connection settings of the dev and play clients.
type Agent struct {
	Addr     string
	Codec    string
	Username string
	Password string
	Timeout  time.Duration
	// TLSCA enables TLS and verifies the server against this CA.
	TLSCA   string
	TLSCert string
	TLSKey  string
}

// Flags registers the agent flags as persistent flags of a command group.
// The password falls back to $ARCADE_PASSWORD.
func (a *Agent) Flags(fs *pflag.FlagSet, defaultAddr string) {
	fs.StringVar(&a.Addr, "addr", defaultAddr, "server address")
	fs.StringVar(&a.Codec, "codec", "json", "wire codec: json|proto")
	fs.StringVarP(&a.Username, "user", "u", "", "username")
	fs.StringVarP(&a.Password, "password", "p", "", "password (default $ARCADE_PASSWORD)")
	fs.DurationVar(&a.Timeout, "timeout", 2*time.Minute, "per-request timeout")
	fs.StringVar(&a.TLSCA, "tls-ca", "", "CA certificate of the server; enables TLS")
	fs.StringVar(&a.TLSCert, "tls-cert", "", "client certificate for mutual TLS")
	fs.StringVar(&a.TLSKey, "tls-key", "", "client key for mutual TLS")
}

// Dial connects. The server's HELLO arrives on Pushes.
func (a *Agent) Dial(ctx context.Context) (*wire.Client, error) {
	codec, err := wire.CodecByName(a.Codec)
	if err != nil {
		return nil, err
	}
	opts := []wire.Option{wire.WithCodec(codec)}
	if a.TLSCA != "" {
		host, _, _ := net.SplitHostPort(a.Addr)
		cfg, err := tlsutil.ClientConfig(a.TLSCert, a.TLSKey, a.TLSCA, host)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wire.WithTLS(cfg))
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := wire.Dial(dctx, a.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", a.Addr, err)
	}
	return c, nil
}

func (a *Agent) credentials() (map[string]any, error) {
	pw := a.Password
	if pw == "" {
		pw = os.Getenv("ARCADE_PASSWORD")
	}
	if a.Username == "" || pw == "" {
		return nil, errors.New("--user and --password are required")
	}
	return map[string]any{"username": a.Username, "password": pw}, nil
}

// Session dials and logs in.
func (a *Agent) Session(ctx context.Context) (*wire.Client, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	c, err := a.Dial(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		SessionReplaced bool `json:"session_replaced"`
	}
	if err := a.Call(ctx, c, "login", creds, &out); err != nil {
		_ = c.Close()
		return nil, err
	}
	if out.SessionReplaced {
		fmt.Fprintln(os.Stderr, "note: an earlier session of this account was closed")
	}
	return c, nil
}

// Register creates an account with role, without logging in.
func (a *Agent) Register(ctx context.Context, role string) (map[string]any, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	if role != "" {
		creds["role"] = role
	}
	c, err := a.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	var out map[string]any
	err = a.Call(ctx, c, "register", creds, &out)
	return out, err
}

// Call performs one request bounded by the agent timeout.
func (a *Agent) Call(ctx context.Context, c *wire.Client, op string, in, out any) error {
	cctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	return c.Call(cctx, op, in, out)
}

// PrintJSON writes v indented.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Describe renders a failed call with its code, reason and details.
func Describe(err error) string {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return err.Error()
	}
	s := string(ae.Code)
	if ae.Reason != "" {
		s += "/" + ae.Reason
	}
	s += ": " + ae.Message
	keys := make([]string, 0, len(ae.Details))
	for k := range ae.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s += fmt.Sprintf("\n  %s: %v", k, ae.Details[k])
	}
	return s
}
