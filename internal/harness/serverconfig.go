package harness

import (
	"fmt"
	"sort"
	"strings"

	"flowtest/internal/config"
	"flowtest/internal/overlay"
	"flowtest/internal/query"
	"flowtest/internal/workspace"
)

// BaseServerConfig loads s.BaseConfig, or returns the built-in defaults
// when it is unset.
func BaseServerConfig(s config.ServerSettings) (overlay.Tree, error) {
	if s.BaseConfig == "" {
		return config.DefaultServerConfig(), nil
	}
	return overlay.LoadFile(s.BaseConfig)
}

// EffectiveServerConfig layers, in order: base, the workspace storage
// settings with integrations reset, the bridge host for every API, and then
// each override. base and the overrides are not modified.
func EffectiveServerConfig(base overlay.Tree, ws *workspace.Workspace, bridgeHost string, overrides ...overlay.Tree) overlay.Tree {
	cfg := overlay.Merge(base, overlay.Tree{
		"storage_dir":  ws.StorageDir(),
		"storage_db":   ws.StorageDB(),
		"integrations": overlay.Tree{},
	})

	if bridgeHost != "" {
		apis := overlay.Tree{}
		if current, ok := cfg["api"].(map[string]any); ok {
			for name, section := range current {
				if _, isTree := section.(map[string]any); isTree {
					apis[name] = overlay.Tree{"host": bridgeHost}
				}
			}
		}
		if len(apis) > 0 {
			cfg = overlay.Merge(cfg, overlay.Tree{"api": apis})
		}
	}

	for _, o := range overrides {
		if len(o) > 0 {
			cfg = overlay.Merge(cfg, o)
		}
	}
	return cfg
}

// ServerCommand is the full server argv.
func ServerCommand(s config.ServerSettings, apis []string, configPath string) []string {
	if len(apis) == 0 {
		apis = s.APIs
	}
	cmd := append([]string(nil), s.Command...)
	cmd = append(cmd, "--api="+strings.Join(apis, ","), "--config="+configPath)
	if s.Verbose {
		cmd = append(cmd, "--verbose")
	}
	return cmd
}

// ServerEnv renders env as sorted KEY=VALUE pairs.
func ServerEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func apiEndpoint(cfg overlay.Tree, api string) (host, port string, err error) {
	host, hostOK := overlay.String(cfg, "api."+api+".host")
	port, portOK := overlay.String(cfg, "api."+api+".port")
	if !hostOK || !portOK || host == "" || port == "" {
		return "", "", fmt.Errorf("server config has no api.%s host and port", api)
	}
	return host, port, nil
}

// HTTPRoot is the base URL of the HTTP API, e.g. http://172.17.0.1:47334/api.
func HTTPRoot(cfg overlay.Tree) (string, error) {
	host, port, err := apiEndpoint(cfg, "http")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%s/api", host, port), nil
}

// ReadinessURL is the ping endpoint polled while the server starts.
func ReadinessURL(cfg overlay.Tree) (string, error) {
	root, err := HTTPRoot(cfg)
	if err != nil {
		return "", err
	}
	return root + "/util/ping", nil
}

// MySQLTarget is the MySQL front-end described by cfg.
func MySQLTarget(cfg overlay.Tree, database string) (query.Target, error) {
	host, port, err := apiEndpoint(cfg, "mysql")
	if err != nil {
		return query.Target{}, err
	}
	user, _ := overlay.String(cfg, "api.mysql.user")
	password, _ := overlay.String(cfg, "api.mysql.password")
	if database == "" {
		database, _ = overlay.String(cfg, "api.mysql.database")
	}
	return query.Target{Host: host, Port: port, User: user, Password: password, Database: database}, nil
}
