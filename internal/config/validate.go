package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	knownAPIs   = sets.New("http", "mysql", "mongodb")
	knownLevels = sets.New("debug", "info", "warn", "error")
)

// Validate reports every setting the harness cannot run with.
func (s Settings) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if len(s.Server.Command) == 0 {
		add("server.command must not be empty")
	}
	apis := sets.New(s.Server.APIs...)
	if !apis.Has("http") {
		add("server.apis must include http, the readiness probe uses it")
	}
	if unknown := apis.Difference(knownAPIs); unknown.Len() > 0 {
		add("server.apis has unknown entries: %s", strings.Join(sets.List(unknown), ", "))
	}

	for name, d := range map[string]time.Duration{
		"server.ready_interval":   s.Server.ReadyInterval,
		"server.ready_timeout":    s.Server.ReadyTimeout,
		"server.stop_timeout":     s.Server.StopTimeout,
		"postgres.ready_timeout":  s.Postgres.ReadyTimeout,
		"poll.file_interval":      s.Poll.FileInterval,
		"poll.file_timeout":       s.Poll.FileTimeout,
		"poll.predictor_interval": s.Poll.PredictorInterval,
		"poll.predictor_timeout":  s.Poll.PredictorTimeout,
	} {
		if d <= 0 {
			add("%s must be positive, got %s", name, d)
		}
	}

	switch s.Containers.Runtime {
	case RuntimeDocker, RuntimeTestcontainers:
	default:
		add("containers.runtime must be %q or %q, got %q", RuntimeDocker, RuntimeTestcontainers, s.Containers.Runtime)
	}

	switch s.Query.Mode {
	case QueryModeContainer:
		if s.Query.ClientImage == "" {
			add("query.client_image is required in %s mode", QueryModeContainer)
		}
	case QueryModeDirect:
	default:
		add("query.mode must be %q or %q, got %q", QueryModeContainer, QueryModeDirect, s.Query.Mode)
	}

	if s.Postgres.ReadyOccurrences < 1 {
		add("postgres.ready_occurrences must be at least 1")
	}
	if s.Postgres.HostPort == "" {
		add("postgres.host_port is required")
	}

	if !knownLevels.Has(strings.ToLower(s.Log.Level)) {
		add("log.level must be one of %s, got %q", strings.Join(sets.List(knownLevels), ", "), s.Log.Level)
	}
	return errs
}

// BindFlags registers the flags Load understands on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("runtime", RuntimeDocker, "container runtime (docker or testcontainers)")
	fs.String("bridge-host", "", "address containers reach the host under (default: docker0 address)")
	fs.String("query-mode", QueryModeContainer, "how queries reach the server (container or direct)")
	fs.String("base-dir", ".", "directory the temp/ workspace is created in")
	fs.Bool("persistent", false, "reuse temp/test_storage instead of a fresh directory")
	fs.String("server-config", "", "base server config JSON")
	fs.Duration("ready-timeout", 0, "how long to wait for the server to answer its readiness probe")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}
