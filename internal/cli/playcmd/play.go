// Package playcmd is the player client of the lobby. A lobby seat lasts as
// long as the connection, so room commands run inside `arcade play shell`;
// the read-only queries also work one-shot.
package playcmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuihairu/arcade/internal/cli/common"
	"github.com/cuihairu/arcade/internal/lobby"
	"github.com/cuihairu/arcade/internal/wire"
)

// New returns the `arcade play` command group.
func New() *cobra.Command {
	a := &common.Agent{}
	var runtimes []string
	cmd := &cobra.Command{
		Use:          "play",
		Short:        "Player client for the lobby",
		SilenceUsage: true,
	}
	a.Flags(cmd.PersistentFlags(), "127.0.0.1:7100")
	cmd.PersistentFlags().StringSliceVar(&runtimes, "runtime", []string{"py=python3 -u"}, "interpreter per client entry extension, ext=command [args]")

	shell := &cobra.Command{
		Use:   "shell",
		Short: "Log in and keep a session: rooms, downloads, games",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := common.ParseRuntimes(runtimes)
			if err != nil {
				return err
			}
			c, err := a.Session(cmd.Context())
			if err != nil {
				return errors.New(common.Describe(err))
			}
			defer c.Close()
			sh := &shell{
				agent:  a,
				client: c,
				out:    cmd.OutOrStdout(),
				launch: &launcher{runtimes: rt, user: a.Username, out: cmd.OutOrStdout()},
			}
			return sh.run(cmd.Context(), os.Stdin)
		},
	}
	register := &cobra.Command{
		Use:   "register",
		Short: "Create a player account",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.Register(cmd.Context(), "")
			if err != nil {
				return errors.New(common.Describe(err))
			}
			return common.PrintJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.AddCommand(shell, register)
	for _, name := range []string{"online", "rooms", "catalog", "downloads"} {
		cmd.AddCommand(oneShot(a, name))
	}
	cmd.AddCommand(oneShotArgs(a, "download <game> [version]", "download", cobra.RangeArgs(1, 2)))
	cmd.AddCommand(oneShotArgs(a, "rate <game> <score> [comment]", "rate", cobra.MinimumNArgs(2)))
	return cmd
}

func oneShot(a *common.Agent, name string) *cobra.Command {
	return oneShotArgs(a, name, name, cobra.NoArgs)
}

func oneShotArgs(a *common.Agent, use, name string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: commands[name].help,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.Session(cmd.Context())
			if err != nil {
				return errors.New(common.Describe(err))
			}
			defer c.Close()
			sh := &shell{agent: a, client: c, out: cmd.OutOrStdout()}
			if err := sh.exec(cmd.Context(), name, args); err != nil {
				return errors.New(common.Describe(err))
			}
			return nil
		},
	}
}

// command is one lobby op reachable from the shell.
type command struct {
	op    string
	usage string
	help  string
	nargs int // required arguments
	body  func(args []string) (map[string]any, error)
}

func noBody([]string) (map[string]any, error) { return nil, nil }

func named(args []string) (map[string]any, error) {
	return map[string]any{"name": args[0]}, nil
}

var commands = map[string]command{
	"online":    {op: "list_online", help: "List online players", body: noBody},
	"rooms":     {op: "list_rooms", help: "List rooms", body: noBody},
	"catalog":   {op: "list_catalog", help: "List games in the store", body: noBody},
	"downloads": {op: "my_downloads", help: "Show your downloaded games", body: noBody},
	"room":      {op: "room_info", usage: "<room>", help: "Show one room", nargs: 1, body: named},
	"join":      {op: "join_room", usage: "<room>", help: "Join a waiting room", nargs: 1, body: named},
	"leave":     {op: "leave_room", usage: "<room>", help: "Leave a room", nargs: 1, body: named},
	"start":     {op: "start_game", usage: "<room>", help: "Start your room's game server", nargs: 1, body: named},
	"download": {op: "download_or_update", usage: "<game> [version]", help: "Download or update a game", nargs: 1,
		body: func(args []string) (map[string]any, error) {
			in := map[string]any{"game_id": args[0]}
			if len(args) > 1 {
				in["version"] = args[1]
			}
			return in, nil
		}},
	"create": {op: "create_room", usage: "<room> <game>", help: "Create a room bound to your downloaded version", nargs: 2,
		body: func(args []string) (map[string]any, error) {
			return map[string]any{"name": args[0], "game_id": args[1]}, nil
		}},
	"rate": {op: "rate", usage: "<game> <score> [comment]", help: "Rate a game you downloaded (1-5)", nargs: 2,
		body: func(args []string) (map[string]any, error) {
			score, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, errors.New("score must be a number from 1 to 5")
			}
			return map[string]any{"game_id": args[0], "score": score, "comment": strings.Join(args[2:], " ")}, nil
		}},
}

// shell runs lobby commands over one logged-in connection.
type shell struct {
	agent  *common.Agent
	client *wire.Client
	out    io.Writer
	launch *launcher // nil disables client launching
}

func (s *shell) exec(ctx context.Context, name string, args []string) error {
	c, ok := commands[name]
	if !ok {
		return errors.New("unknown command " + strconv.Quote(name) + "; try help")
	}
	if len(args) < c.nargs {
		return errors.New("usage: " + strings.TrimSpace(name+" "+c.usage))
	}
	in, err := c.body(args)
	if err != nil {
		return err
	}
	var out map[string]any
	if err := s.agent.Call(ctx, s.client, c.op, in, &out); err != nil {
		return err
	}
	return common.PrintJSON(s.out, out)
}

func (s *shell) startClient(ctx context.Context, ev roomStarted) error {
	var m lobby.Manifest
	if err := s.agent.Call(ctx, s.client, "my_downloads", nil, &m); err != nil {
		return err
	}
	return s.launch.start(ctx, &m, ev)
}
