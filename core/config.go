package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/stevegt/envi"
	. "github.com/stevegt/goadapt"
)

const (
	// EnvPort overrides the listen port.
	EnvPort = "RSV_PORT"
	// EnvDataDir overrides the directory holding the database and
	// lock file.
	EnvDataDir = "RSV_DATA_DIR"

	// DefaultPort is the port the daemon listens on unless
	// configured otherwise.
	DefaultPort = 3017
	// OllamaPort is where Ollama clients expect to connect.
	OllamaPort = 11434

	dbFileName   = "reservoir.db"
	lockFileName = "reservoir.lock"
)

// configEnvVars maps config keys to the environment variables that
// override them.
var configEnvVars = map[string]string{
	"port": EnvPort,
}

// configDefaults maps config keys to their built-in defaults.
var configDefaults = map[string]string{
	"port": strconv.Itoa(DefaultPort),
}

// DataDir returns the directory holding the database and lock file,
// creating it if necessary.  The default is $HOME/.reservoir; set
// RSV_DATA_DIR to override.
func DataDir() (dir string, err error) {
	defer Return(&err)
	dir = envi.String(EnvDataDir, "")
	if dir == "" {
		var home string
		home, err = os.UserHomeDir()
		Ck(err)
		dir = filepath.Join(home, ".reservoir")
	}
	err = os.MkdirAll(dir, 0700)
	Ck(err)
	return
}

// GetConfig returns the effective value for a config key.  Precedence
// is environment variable, then the config bucket in the database,
// then the built-in default.
func (rsv *Reservoir) GetConfig(key string) (value string, err error) {
	defer Return(&err)
	if envVar, ok := configEnvVars[key]; ok {
		if v := envi.String(envVar, ""); v != "" {
			return v, nil
		}
	}
	value, err = rsv.store.GetConfig(key)
	Ck(err)
	if value != "" {
		return
	}
	value, ok := configDefaults[key]
	if !ok {
		err = fmt.Errorf("unknown config key %q", key)
		return
	}
	return
}

// SetConfig stores a value for a config key in the database.
func (rsv *Reservoir) SetConfig(key, value string) (err error) {
	defer Return(&err)
	if _, ok := configDefaults[key]; !ok {
		err = fmt.Errorf("unknown config key %q", key)
		return
	}
	err = rsv.store.SetConfig(key, value)
	Ck(err)
	return
}

// Port returns the port the daemon should listen on.
func (rsv *Reservoir) Port() (port int, err error) {
	defer Return(&err)
	value, err := rsv.GetConfig("port")
	Ck(err)
	port, err = strconv.Atoi(value)
	if err != nil {
		err = fmt.Errorf("invalid port %q: %w", value, err)
		return
	}
	return
}
