package supervisor

import (
	"net"
	"strconv"
	"sync"

	"github.com/cuihairu/arcade/internal/apperr"
)

// PortPool hands out ports from a range in strictly increasing order.
// A port is never returned twice, including ports skipped because the
// bind probe failed.
type PortPool struct {
	mu    sync.Mutex
	host  string
	next  int
	end   int
	probe func(host string, port int) bool
}

// NewPortPool covers [start, end]. Probing binds host:port and closes it.
func NewPortPool(host string, start, end int) *PortPool {
	return &PortPool{host: host, next: start, end: end, probe: canBind}
}

func canBind(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Next returns the next bindable port.
func (p *PortPool) Next() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.next <= p.end {
		port := p.next
		p.next++
		if p.probe == nil || p.probe(p.host, port) {
			return port, nil
		}
	}
	return 0, apperr.SpawnFail(apperr.ReasonPortsExhausted, nil, "no free port left in pool (last %d)", p.end)
}

// Remaining is the number of ports not yet handed out.
func (p *PortPool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next > p.end {
		return 0
	}
	return p.end - p.next + 1
}
