package common

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Load builds the effective configuration of one service. Precedence from
// low to high: flag defaults, the config file (its section, then the named
// profile), environment variables under envPrefix, flags set explicitly.
func Load(fs *pflag.FlagSet, cfgFile, section, profile, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	if cfgFile != "" {
		base, err := LoadWithIncludes(cfgFile)
		if err != nil {
			return nil, err
		}
		sec, err := ApplySectionAndProfile(base, section, profile)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(sec.AllSettings()); err != nil {
			return nil, err
		}
		slog.Debug("config loaded", "file", cfgFile, "section", section, "profile", profile)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// LoadWithIncludes reads base and merges the files listed under its
// top-level include key, in order. Relative includes resolve against the
// directory of base.
func LoadWithIncludes(base string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(base)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}
	for _, inc := range v.GetStringSlice("include") {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(base), inc)
		}
		iv := viper.New()
		iv.SetConfigFile(inc)
		if err := iv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		if err := v.MergeConfigMap(iv.AllSettings()); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
	}
	return v, nil
}

// mergeMaps recursively merges b into a.
func mergeMaps(a, b map[string]any) map[string]any {
	for k, vb := range b {
		if ma, ok := a[k].(map[string]any); ok {
			if mb, ok2 := vb.(map[string]any); ok2 {
				a[k] = mergeMaps(ma, mb)
				continue
			}
		}
		a[k] = vb
	}
	return a
}

// ApplySectionAndProfile narrows v to section (store/lobby) when the file
// has one, then overlays profiles.<profile>. A file without the section is
// taken as flat. The shared top-level log section applies unless the
// section overrides it.
func ApplySectionAndProfile(v *viper.Viper, section, profile string) (*viper.Viper, error) {
	settings := v.AllSettings()
	if section != "" {
		if sub := v.Sub(section); sub != nil {
			own := sub.AllSettings()
			if shared, ok := settings["log"].(map[string]any); ok {
				if mine, ok := own["log"].(map[string]any); ok {
					own["log"] = mergeMaps(shared, mine)
				} else {
					own["log"] = shared
				}
			}
			settings = own
		}
	}
	if profile != "" {
		profs, _ := settings["profiles"].(map[string]any)
		p, ok := profs[strings.ToLower(profile)].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("profile %s not found", profile)
		}
		settings = mergeMaps(settings, p)
	}
	delete(settings, "profiles")
	delete(settings, "include")
	out := viper.New()
	if err := out.MergeConfigMap(settings); err != nil {
		return nil, err
	}
	return out, nil
}

// UnmarshalSection decodes the key section of v into out. Unlike
// UnmarshalKey it sees flag and env overrides of the nested keys.
func UnmarshalSection(v *viper.Viper, key string, out any) error {
	sub, _ := v.AllSettings()[key].(map[string]any)
	sv := viper.New()
	if err := sv.MergeConfigMap(sub); err != nil {
		return err
	}
	return sv.Unmarshal(out)
}
