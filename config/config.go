// Package config holds the settings shared by the controller and the command line tools.
//
// Settings come from defaults, then an optional JSON-with-comments file, then the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/guseggert/uipipe/internal/files"
	"github.com/guseggert/uipipe/transport"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap/zapcore"
)

const (
	EnvHost        = "UIPIPE_HOST"
	EnvTransport   = "UIPIPE_TRANSPORT"
	EnvSessionRoot = "UIPIPE_SESSION_ROOT"
	EnvLogLevel    = "UIPIPE_LOG_LEVEL"

	DefaultHost = "nw"
)

var ErrHostNotFound = errors.New("uipipe: UI host executable not found")

// Duration is a time.Duration that reads from JSON as either a Go duration string or seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or a number of seconds, got %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	// HostExecutable is a path or a command name of the UI host.
	HostExecutable string `json:"hostExecutable"`
	// Transport is one of "fifo", "websocket" or "memory".
	Transport string `json:"transport"`
	// SessionRoot is where session directories are created.
	SessionRoot string `json:"sessionRoot"`
	// AttachTimeout bounds how long Open waits for the UI host. Zero waits indefinitely.
	AttachTimeout Duration `json:"attachTimeout"`
	// StopTimeout is how long the UI host gets to exit after an interrupt before it is killed.
	StopTimeout Duration `json:"stopTimeout"`
	// MaxBuffer limits the bytes held for one incomplete inbound value. Zero means no limit.
	MaxBuffer int           `json:"maxBuffer"`
	LogLevel  zapcore.Level `json:"logLevel"`
}

func Default() Config {
	return Config{
		HostExecutable: DefaultHost,
		Transport:      transport.KindFIFO,
		SessionRoot:    os.TempDir(),
		StopTimeout:    Duration(5 * time.Second),
		MaxBuffer:      64 << 20,
		LogLevel:       zapcore.InfoLevel,
	}
}

// Load returns the defaults overlaid with the file at path, if path is not empty, and then
// with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvHost); v != "" {
		c.HostExecutable = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		c.Transport = v
	}
	if v := os.Getenv(EnvSessionRoot); v != "" {
		c.SessionRoot = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parsing %s: %w", EnvLogLevel, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case transport.KindFIFO, transport.KindWebSocket, transport.KindMemory:
	default:
		return fmt.Errorf("%w %q", transport.ErrUnknownKind, c.Transport)
	}
	if c.MaxBuffer < 0 {
		return fmt.Errorf("maxBuffer must not be negative, got %d", c.MaxBuffer)
	}
	if c.AttachTimeout < 0 || c.StopTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ResolveHost turns a reference to the UI host into an absolute executable path.
// A reference containing a path separator must name an existing file. A bare name is looked
// up on PATH and then in the working directory and its parents.
func ResolveHost(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrHostNotFound)
	}
	if strings.ContainsRune(ref, '/') || strings.ContainsRune(ref, filepath.Separator) {
		fi, err := os.Stat(ref)
		if err != nil || fi.IsDir() {
			return "", fmt.Errorf("%w: %q", ErrHostNotFound, ref)
		}
		return filepath.Abs(ref)
	}
	if p, err := exec.LookPath(ref); err == nil {
		return filepath.Abs(p)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("%w: %q: %s", ErrHostNotFound, ref, err)
	}
	found, err := files.FindUp(ref, wd)
	if err != nil || found == "" {
		return "", fmt.Errorf("%w: %q", ErrHostNotFound, ref)
	}
	return found, nil
}
