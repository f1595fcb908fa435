package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuihairu/arcade/internal/cli/common"
	"github.com/cuihairu/arcade/internal/cli/devcmd"
	"github.com/cuihairu/arcade/internal/cli/lobbycmd"
	"github.com/cuihairu/arcade/internal/cli/playcmd"
	"github.com/cuihairu/arcade/internal/cli/storecmd"
)

func main() {
	root := &cobra.Command{Use: "arcade", Short: "Arcade game store and lobby"}

	root.AddCommand(storecmd.New())
	root.AddCommand(lobbycmd.New())
	root.AddCommand(devcmd.New())
	root.AddCommand(playcmd.New())

	comp := &cobra.Command{Use: "completion [bash|zsh|fish|powershell]", Short: "Generate shell completion", Args: cobra.ExactArgs(1)}
	comp.RunE = func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return root.GenBashCompletion(os.Stdout)
		case "zsh":
			return root.GenZshCompletion(os.Stdout)
		case "fish":
			return root.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return root.GenPowerShellCompletionWithDesc(os.Stdout)
		default:
			return fmt.Errorf("unknown shell: %s", args[0])
		}
	}
	root.AddCommand(comp)
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// configCmd validates a config file strictly, with the same defaults and
// overlays the servers apply at startup.
func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Config file tools"}
	test := &cobra.Command{Use: "test", Short: "Validate and print effective config"}
	var cfgFile, section, profile string
	var show bool
	test.Flags().StringVar(&cfgFile, "config", "", "config file path")
	test.Flags().StringVar(&section, "section", "", "optional section: store|lobby")
	test.Flags().StringVar(&profile, "profile", "", "profile overlay to apply")
	test.Flags().BoolVar(&show, "print", false, "print the effective settings")
	test.RunE = func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("--config required")
		}
		check := func(section string) (*viper.Viper, error) {
			host := &cobra.Command{Use: section}
			var validate func(*viper.Viper, bool) error
			var prefix string
			switch section {
			case "store":
				storecmd.Flags(host)
				validate, prefix = common.ValidateStoreConfig, "ARCADE_STORE"
			case "lobby":
				lobbycmd.Flags(host)
				validate, prefix = common.ValidateLobbyConfig, "ARCADE_LOBBY"
			default:
				return nil, fmt.Errorf("unknown section: %s", section)
			}
			v, err := common.Load(host.Flags(), cfgFile, section, profile, prefix)
			if err != nil {
				return nil, err
			}
			return v, validate(v, true)
		}
		sections := []string{section}
		if section == "" {
			sections = []string{"store", "lobby"}
		}
		var lastErr error
		for _, s := range sections {
			v, err := check(s)
			if err != nil {
				lastErr = fmt.Errorf("%s: %w", s, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s config OK\n", s)
			if show {
				if err := common.PrintJSON(cmd.OutOrStdout(), v.AllSettings()); err != nil {
					return err
				}
			}
			if section == "" {
				return nil
			}
		}
		if section == "" && lastErr != nil {
			return fmt.Errorf("no valid section found; specify --section (last error: %v)", lastErr)
		}
		return lastErr
	}
	cfg.AddCommand(test)
	return cfg
}
