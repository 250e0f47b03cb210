package config

import (
	"flowtest/internal/containers"
	"flowtest/internal/dependency"
	"flowtest/internal/process"
	"flowtest/internal/query"
	"flowtest/internal/serverapi"
)

// defaults is the lowest configuration layer, keyed the way koanf sees it.
func defaults() map[string]any {
	return map[string]any{
		"server.command":        []string{"python3", "-m", "mindsdb"},
		"server.env":            map[string]any{"CHECK_FOR_UPDATES": "0"},
		"server.apis":           []string{"http", "mysql"},
		"server.verbose":        true,
		"server.ready_interval": process.DefaultReadyInterval.String(),
		"server.ready_timeout":  process.DefaultReadyTimeout.String(),
		"server.stop_timeout":   process.DefaultStopTimeout.String(),

		"workspace.base_dir":   ".",
		"workspace.persistent": false,

		"containers.runtime":          RuntimeDocker,
		"containers.bridge_interface": containers.DefaultBridgeInterface,

		"query.mode":         QueryModeContainer,
		"query.client_image": query.DefaultClientImage,
		"query.database":     "mindsdb",

		"postgres.image":             dependency.DefaultPostgresImage,
		"postgres.host_port":         dependency.DefaultPostgresHostPort,
		"postgres.user":              dependency.DefaultPostgresUser,
		"postgres.password":          dependency.DefaultPostgresPassword,
		"postgres.database":          dependency.DefaultPostgresDatabase,
		"postgres.ready_marker":      dependency.DefaultPostgresReadyMarker,
		"postgres.ready_occurrences": dependency.DefaultPostgresOccurrences,
		"postgres.ready_timeout":     dependency.DefaultPostgresReadyTimeout.String(),
		"postgres.verify":            false,

		"poll.file_interval":      serverapi.DefaultFileInterval.String(),
		"poll.file_timeout":       serverapi.DefaultFileTimeout.String(),
		"poll.predictor_interval": serverapi.DefaultPredictorInterval.String(),
		"poll.predictor_timeout":  serverapi.DefaultPredictorTimeout.String(),

		"log.level": "info",
	}
}

// DefaultServerConfig is the server config used when no base config file
// is configured. The bridge address replaces the API hosts at run time.
func DefaultServerConfig() map[string]any {
	return map[string]any{
		"api": map[string]any{
			"http": map[string]any{
				"host": "127.0.0.1",
				"port": "47334",
			},
			"mysql": map[string]any{
				"host":     "127.0.0.1",
				"port":     "47335",
				"user":     "mindsdb",
				"password": "",
				"database": "mindsdb",
				"ssl":      false,
			},
		},
		"integrations": map[string]any{},
	}
}
