package config

import (
	"time"
)

// Settings is the harness configuration.
type Settings struct {
	Server     ServerSettings    `koanf:"server" yaml:"server"`
	Workspace  WorkspaceSettings `koanf:"workspace" yaml:"workspace"`
	Containers ContainerSettings `koanf:"containers" yaml:"containers"`
	Query      QuerySettings     `koanf:"query" yaml:"query"`
	Postgres   PostgresSettings  `koanf:"postgres" yaml:"postgres"`
	Poll       PollSettings      `koanf:"poll" yaml:"poll"`
	Log        LogSettings       `koanf:"log" yaml:"log"`
}

// ServerSettings describes how the server under test is launched.
type ServerSettings struct {
	// Command is the launcher argv; --api, --config and --verbose are appended.
	Command []string          `koanf:"command" yaml:"command"`
	Env     map[string]string `koanf:"env" yaml:"env"`
	Dir     string            `koanf:"dir" yaml:"dir"`
	// BaseConfig is the JSON file the effective server config starts from.
	// Empty uses the built-in base.
	BaseConfig string   `koanf:"base_config" yaml:"base_config"`
	APIs       []string `koanf:"apis" yaml:"apis"`
	Verbose    bool     `koanf:"verbose" yaml:"verbose"`

	ReadyInterval time.Duration `koanf:"ready_interval" yaml:"ready_interval"`
	ReadyTimeout  time.Duration `koanf:"ready_timeout" yaml:"ready_timeout"`
	StopTimeout   time.Duration `koanf:"stop_timeout" yaml:"stop_timeout"`

	// Override is merged into the server config last.
	Override map[string]any `koanf:"override" yaml:"override"`
}

// WorkspaceSettings controls the per-run storage directory.
type WorkspaceSettings struct {
	BaseDir    string `koanf:"base_dir" yaml:"base_dir"`
	Persistent bool   `koanf:"persistent" yaml:"persistent"`
}

// ContainerSettings selects the container runtime and bridge address.
type ContainerSettings struct {
	Runtime         string `koanf:"runtime" yaml:"runtime"` // "docker" or "testcontainers"
	BridgeHost      string `koanf:"bridge_host" yaml:"bridge_host"`
	BridgeInterface string `koanf:"bridge_interface" yaml:"bridge_interface"`
}

// QuerySettings controls how SQL reaches the server.
type QuerySettings struct {
	Mode        string `koanf:"mode" yaml:"mode"` // "container" or "direct"
	ClientImage string `koanf:"client_image" yaml:"client_image"`
	Database    string `koanf:"database" yaml:"database"`
}

// PostgresSettings describes the postgres dependency.
type PostgresSettings struct {
	Image            string        `koanf:"image" yaml:"image"`
	HostPort         string        `koanf:"host_port" yaml:"host_port"`
	User             string        `koanf:"user" yaml:"user"`
	Password         string        `koanf:"password" yaml:"password"`
	Database         string        `koanf:"database" yaml:"database"`
	ReadyMarker      string        `koanf:"ready_marker" yaml:"ready_marker"`
	ReadyOccurrences int           `koanf:"ready_occurrences" yaml:"ready_occurrences"`
	ReadyTimeout     time.Duration `koanf:"ready_timeout" yaml:"ready_timeout"`
	Verify           bool          `koanf:"verify" yaml:"verify"`
}

// PollSettings bounds the waits on asynchronous server state.
type PollSettings struct {
	FileInterval      time.Duration `koanf:"file_interval" yaml:"file_interval"`
	FileTimeout       time.Duration `koanf:"file_timeout" yaml:"file_timeout"`
	PredictorInterval time.Duration `koanf:"predictor_interval" yaml:"predictor_interval"`
	PredictorTimeout  time.Duration `koanf:"predictor_timeout" yaml:"predictor_timeout"`
}

// LogSettings controls harness logging.
type LogSettings struct {
	Level string `koanf:"level" yaml:"level"`
}

const (
	RuntimeDocker         = "docker"
	RuntimeTestcontainers = "testcontainers"

	QueryModeContainer = "container"
	QueryModeDirect    = "direct"
)
