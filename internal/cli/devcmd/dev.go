// Package devcmd is the developer client of the store: account setup,
// uploads and listing management.
package devcmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/cli/common"
	"github.com/cuihairu/arcade/internal/gamepkg"
	"github.com/cuihairu/arcade/internal/wire"
)

// New returns the `arcade dev` command group.
func New() *cobra.Command {
	a := &common.Agent{}
	cmd := &cobra.Command{
		Use:          "dev",
		Short:        "Developer client for the store",
		SilenceUsage: true,
	}
	a.Flags(cmd.PersistentFlags(), "127.0.0.1:7000")
	cmd.AddCommand(
		registerCmd(a),
		callCmd(a, "games", "List your games, delisted ones included", "my_games", 0),
		callCmd(a, "catalog", "List the public catalog", "list_catalog", 0),
		callCmd(a, "detail <game>", "Show a game with versions and ratings", "game_detail", 1),
		callCmd(a, "suggest <game>", "Suggest the next version of a game", "suggest_version", 1),
		callCmd(a, "delist <game>", "Hide a game from the catalog", "delist", 1),
		callCmd(a, "relist <game>", "Show a delisted game again", "relist", 1),
		uploadCmd(a, false),
		uploadCmd(a, true),
	)
	return cmd
}

func registerCmd(a *common.Agent) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create a developer account",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.Register(cmd.Context(), authz.RoleDeveloper)
			if err != nil {
				return errors.New(common.Describe(err))
			}
			return common.PrintJSON(cmd.OutOrStdout(), out)
		},
	}
}

// callCmd is a command that logs in and issues one op. nargs is 0 or 1;
// the single argument is the game id.
func callCmd(a *common.Agent, use, short, op string, nargs int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in map[string]any
			if nargs == 1 {
				in = map[string]any{"game_id": args[0]}
			}
			return run(cmd, a, func(ctx context.Context, c *wire.Client) (any, error) {
				var out map[string]any
				err := a.Call(ctx, c, op, in, &out)
				return out, err
			})
		},
	}
}

func run(cmd *cobra.Command, a *common.Agent, fn func(ctx context.Context, c *wire.Client) (any, error)) error {
	ctx := cmd.Context()
	c, err := a.Session(ctx)
	if err != nil {
		return errors.New(common.Describe(err))
	}
	defer c.Close()
	out, err := fn(ctx, c)
	if err != nil {
		return errors.New(common.Describe(err))
	}
	return common.PrintJSON(cmd.OutOrStdout(), out)
}

// readArchive loads a package archive, or packs a directory after checking
// it holds a valid package.
func readArchive(path string) ([]byte, *gamepkg.Manifest, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if !st.IsDir() {
		data, err := os.ReadFile(path)
		return data, nil, err
	}
	root := gamepkg.PackageRoot(path)
	m, err := gamepkg.Validate(root)
	if err != nil {
		return nil, nil, err
	}
	data, err := gamepkg.PackDir(root)
	return data, m, err
}

func uploadCmd(a *common.Agent, update bool) *cobra.Command {
	var gameID, name, ver, desc string
	use, short, op := "upload <archive|dir>", "Publish a new game", "upload_version"
	if update {
		use, short, op = "update <archive|dir>", "Publish a new version of one of your games", "update_version"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, m, err := readArchive(args[0])
			if err != nil {
				return errors.New(common.Describe(err))
			}
			if gameID == "" {
				switch {
				case name != "":
					gameID = gamepkg.Slugify(name)
				case m != nil && m.Name != "":
					gameID = gamepkg.Slugify(m.Name)
				default:
					gameID = gamepkg.Slugify(filepath.Base(filepath.Clean(args[0])))
				}
			}
			in := map[string]any{
				"game_id":     gameID,
				"name":        name,
				"version":     ver,
				"description": desc,
				"archive_b64": base64.StdEncoding.EncodeToString(data),
			}
			return run(cmd, a, func(ctx context.Context, c *wire.Client) (any, error) {
				var out map[string]any
				err := a.Call(ctx, c, op, in, &out)
				var ae *apperr.Error
				if errors.As(err, &ae) && ae.Details["suggested"] != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "hint: retry with --version %v\n", ae.Details["suggested"])
				}
				return out, err
			})
		},
	}
	cmd.Flags().StringVar(&gameID, "game", "", "game id; defaults to the slug of the name")
	cmd.Flags().StringVar(&name, "name", "", "display name; defaults to the manifest name")
	cmd.Flags().StringVar(&ver, "version", "", "version such as v1.2.0")
	cmd.Flags().StringVar(&desc, "desc", "", "description; defaults to the manifest description")
	return cmd
}
