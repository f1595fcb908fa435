package wire

import (
	"context"
	"log/slog"
	"sort"

	"github.com/cuihairu/arcade/internal/apperr"
)

// HandlerFunc answers one op. The returned value becomes the response body.
type HandlerFunc func(ctx context.Context, c *Conn, req *Message) (any, error)

// Mux routes requests by op.
type Mux struct {
	routes map[string]HandlerFunc
}

func NewMux() *Mux { return &Mux{routes: map[string]HandlerFunc{}} }

func (m *Mux) Handle(op string, fn HandlerFunc) { m.routes[op] = fn }

// Ops lists registered ops in order.
func (m *Mux) Ops() []string {
	out := make([]string, 0, len(m.routes))
	for op := range m.routes {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the route for req and builds the response.
func (m *Mux) Dispatch(ctx context.Context, c *Conn, req *Message) *Message {
	fn, ok := m.routes[req.Op]
	if !ok {
		return Failure(req, apperr.Validation(apperr.ReasonUnknownOp, "unknown op %q", req.Op))
	}
	body, err := fn(ctx, c, req)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			slog.Error("request failed", "op", req.Op, "conn", c.ID(), "error", err)
		} else {
			slog.Debug("request rejected", "op", req.Op, "conn", c.ID(), "error", err)
		}
		return Failure(req, err)
	}
	return Reply(req, body)
}
