package common

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/objstore"
	"github.com/cuihairu/arcade/internal/wire"
)

func fileExists(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateCodec(v *viper.Viper) error {
	if name := v.GetString("codec"); name != "" {
		if _, err := wire.CodecByName(name); err != nil {
			return fmt.Errorf("codec: %w", err)
		}
	}
	return nil
}

// validateTLS checks that the files named under prefix exist.
func validateTLS(v *viper.Viper, prefix string, keys ...string) error {
	for _, k := range keys {
		if p := v.GetString(prefix + k); p != "" {
			if err := fileExists(p); err != nil {
				return fmt.Errorf("%s%s: %w", prefix, k, err)
			}
		}
	}
	return nil
}

// ValidateStoreConfig checks a store section. strict additionally requires
// the settings a production deployment must not leave at their defaults.
func ValidateStoreConfig(v *viper.Viper, strict bool) error {
	if err := ValidateAddr(v.GetString("addr")); err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	if err := validateCodec(v); err != nil {
		return err
	}
	if err := validateTLS(v, "tls.", "cert", "key", "client_ca"); err != nil {
		return err
	}
	if v.GetString("storage_root") == "" {
		return errors.New("storage_root missing")
	}
	var objects objstore.Config
	if err := UnmarshalSection(v, "objects", &objects); err != nil {
		return fmt.Errorf("objects: %w", err)
	}
	if objects.Driver == "file" && objects.BaseDir == "" {
		objects.BaseDir = filepath.Join(v.GetString("storage_root"), ".archives")
	}
	if err := objstore.Validate(objects); err != nil {
		return fmt.Errorf("objects: %w", err)
	}
	if p := v.GetString("policy"); p != "" {
		if err := fileExists(p); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if _, err := authz.New(p); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	} else if strict {
		return errors.New("policy missing")
	}
	if strict {
		if v.GetString("db.dsn") == "" {
			return errors.New("db.dsn missing")
		}
		if s := v.GetString("service_secret"); s == "" || s == DevSecret {
			return errors.New("service_secret must be set")
		}
	}
	return nil
}

// ValidateLobbyConfig checks a lobby section.
func ValidateLobbyConfig(v *viper.Viper, strict bool) error {
	if err := ValidateAddr(v.GetString("addr")); err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	if err := validateCodec(v); err != nil {
		return err
	}
	if err := ValidateAddr(v.GetString("store.addr")); err != nil {
		return fmt.Errorf("store.addr: %w", err)
	}
	if err := validateTLS(v, "tls.", "cert", "key", "client_ca"); err != nil {
		return err
	}
	if err := validateTLS(v, "store.tls.", "ca", "cert", "key"); err != nil {
		return err
	}
	if v.GetString("store.token") == "" && v.GetString("store.secret") == "" {
		return errors.New("store.token or store.secret required")
	}
	if v.GetString("downloads_root") == "" {
		return errors.New("downloads_root missing")
	}
	if _, err := ParseRuntimes(v.GetStringSlice("supervisor.runtime")); err != nil {
		return fmt.Errorf("supervisor.runtime: %w", err)
	}
	start, end := v.GetInt("supervisor.port_start"), v.GetInt("supervisor.port_end")
	if start < 0 || start > 65535 || end < 0 || end > 65535 || (end != 0 && end < start) {
		return fmt.Errorf("supervisor: bad port range %d-%d", start, end)
	}
	if strict {
		runtimes, err := ParseRuntimes(v.GetStringSlice("supervisor.runtime"))
		if err != nil {
			return fmt.Errorf("supervisor.runtime: %w", err)
		}
		for ext, argv := range runtimes {
			if _, err := exec.LookPath(argv[0]); err != nil {
				return fmt.Errorf("supervisor.runtime %s: %w", ext, err)
			}
		}
		if v.GetString("db.dsn") == "" {
			return errors.New("db.dsn missing")
		}
	}
	return nil
}
