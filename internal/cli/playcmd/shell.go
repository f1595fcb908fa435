package playcmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cuihairu/arcade/internal/cli/common"
	"github.com/cuihairu/arcade/internal/wire"
)

// run reads commands from in until EOF, quit, or the connection ends.
// Pushes are printed as they arrive; ROOM_STARTED launches the game client.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	pushes := s.client.Pushes()
	fmt.Fprintln(s.out, "logged in as", s.agent.Username, "- type help for commands")
	for {
		select {
		case m, ok := <-pushes:
			if !ok {
				if err := s.client.Err(); err != nil {
					return fmt.Errorf("connection closed: %w", err)
				}
				return nil
			}
			if done := s.onPush(ctx, m); done {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				_ = s.agent.Call(ctx, s.client, "logout", nil, nil)
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "quit", "exit":
				_ = s.agent.Call(ctx, s.client, "logout", nil, nil)
				return nil
			case "help":
				s.help()
				continue
			}
			if err := s.exec(ctx, fields[0], fields[1:]); err != nil {
				fmt.Fprintln(s.out, "error:", common.Describe(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// onPush reports true when the session is over.
func (s *shell) onPush(ctx context.Context, m *wire.Message) bool {
	switch m.Op {
	case wire.PushHello:
		return false
	case wire.PushSessionExpired:
		fmt.Fprintln(s.out, "session expired: this account logged in elsewhere")
		return true
	case wire.PushRoomStarted:
		var ev roomStarted
		if err := m.Decode(&ev); err != nil {
			fmt.Fprintln(s.out, "bad ROOM_STARTED:", err)
			return false
		}
		fmt.Fprintf(s.out, "room %s started: %s %s at %s:%d with %s\n",
			ev.Room, ev.GameID, ev.Version, ev.Host, ev.Port, strings.Join(ev.Players, ", "))
		if s.launch != nil {
			if err := s.startClient(ctx, ev); err != nil {
				fmt.Fprintln(s.out, "cannot launch client:", common.Describe(err))
			}
		}
	default:
		fmt.Fprintf(s.out, "[%s] ", m.Op)
		_ = common.PrintJSON(s.out, m.Body)
	}
	return false
}

func (s *shell) help() {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := commands[n]
		fmt.Fprintf(s.out, "  %-28s %s\n", strings.TrimSpace(n+" "+c.usage), c.help)
	}
	fmt.Fprintf(s.out, "  %-28s %s\n", "quit", "Log out and exit")
}
