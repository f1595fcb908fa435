package playcmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuihairu/arcade/internal/lobby"
	"github.com/cuihairu/arcade/internal/version"
)

// roomStarted is the body of a ROOM_STARTED push and of a start_game reply.
type roomStarted struct {
	Room        string   `json:"room"`
	GameID      string   `json:"game_id"`
	Version     string   `json:"version"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	ClientEntry string   `json:"client_entry"`
	Players     []string `json:"players"`
}

// launcher starts the game client of a started room from the player's
// downloaded copy of the bound version.
type launcher struct {
	runtimes map[string][]string
	user     string
	out      io.Writer
}

// command builds the client invocation. Entries whose extension has no
// runtime are executed directly.
func (l *launcher) command(ctx context.Context, m *lobby.Manifest, ev roomStarted) (*exec.Cmd, error) {
	g, ok := m.Games[ev.GameID]
	if !ok {
		return nil, fmt.Errorf("%s is not downloaded", ev.GameID)
	}
	inst, ok := installed(g, ev.Version)
	if !ok {
		return nil, fmt.Errorf("%s %s is not downloaded", ev.GameID, ev.Version)
	}
	entry := filepath.Join(inst.Path, filepath.FromSlash(ev.ClientEntry))
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("client entry: %w", err)
	}
	var argv []string
	if rt, ok := l.runtimes[strings.ToLower(filepath.Ext(entry))]; ok {
		argv = append(argv, rt...)
	}
	argv = append(argv, entry,
		"--host", ev.Host,
		"--port", strconv.Itoa(ev.Port),
		"--room", ev.Room,
		"--user", l.user,
	)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inst.Path
	cmd.Env = append(os.Environ(),
		"ARCADE_HOST="+ev.Host,
		"ARCADE_PORT="+strconv.Itoa(ev.Port),
		"ARCADE_ROOM="+ev.Room,
		"ARCADE_USER="+l.user,
	)
	cmd.Stdout = l.out
	cmd.Stderr = l.out
	return cmd, nil
}

// installed finds ver among the held versions, equal under version ordering.
func installed(g *lobby.InstalledGame, ver string) (lobby.InstalledVersion, bool) {
	if inst, ok := g.Versions[ver]; ok {
		return inst, true
	}
	want, err := version.Parse(ver)
	if err != nil {
		return lobby.InstalledVersion{}, false
	}
	for v, inst := range g.Versions {
		if pv, err := version.Parse(v); err == nil && pv.Compare(want) == 0 {
			return inst, true
		}
	}
	return lobby.InstalledVersion{}, false
}

// start launches the client and reports its exit on out.
func (l *launcher) start(ctx context.Context, m *lobby.Manifest, ev roomStarted) error {
	cmd, err := l.command(ctx, m, ev)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Fprintf(l.out, "client for room %s started (pid %d) -> %s:%d\n", ev.Room, cmd.Process.Pid, ev.Host, ev.Port)
	go func() {
		err := cmd.Wait()
		if err != nil {
			fmt.Fprintf(l.out, "client for room %s exited: %v\n", ev.Room, err)
			return
		}
		fmt.Fprintf(l.out, "client for room %s exited\n", ev.Room)
	}()
	return nil
}
