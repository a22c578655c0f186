package harness

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// DefaultHTTPPort is the harness listen port when the config does not set one.
const DefaultHTTPPort = 8181

var structValidator = validator.New()

// Config is the harness configuration parsed from YAML.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	HTTP     HTTPConfig      `yaml:"http"`
	Triggers []TriggerConfig `yaml:"triggers" validate:"dive"`
}

// ServerConfig points the harness at one InfluxDB 3 server.
type ServerConfig struct {
	// URL is the server base URL, e.g. "http://localhost:8086".
	URL string `yaml:"url" validate:"required,url"`

	// TokenEnv names the environment variable holding the server token.
	TokenEnv string `yaml:"token_env"`
}

// Token returns the server token resolved from the environment.
func (s ServerConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// HTTPConfig controls the harness's own HTTP listener.
type HTTPConfig struct {
	// Port is the listen port for engine routes, ingest and the run feed.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// AuthTokenEnv names the environment variable holding the bearer token
	// required on engine routes. Empty disables authentication.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// AuthToken returns the expected bearer token resolved from the environment.
func (h HTTPConfig) AuthToken() string {
	if h.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(h.AuthTokenEnv)
}

// TriggerConfig binds one plugin to a trigger specification.
type TriggerConfig struct {
	// Name identifies the trigger in logs and the run feed.
	Name string `yaml:"name" validate:"required"`

	// Plugin names a registered plugin, e.g. "downsampler".
	Plugin string `yaml:"plugin" validate:"required"`

	// Spec is the trigger specification: "every:<interval>", "table:<name>",
	// "all_tables" or "request:<path>".
	Spec string `yaml:"spec" validate:"required"`

	// Database is the database the trigger's host API is bound to.
	Database string `yaml:"database" validate:"required"`

	// Args are the trigger arguments handed to the plugin on every run.
	Args map[string]string `yaml:"args"`

	// ArgsFile is an optional TOML file, relative to PLUGIN_DIR, that
	// overrides Args on each run.
	ArgsFile string `yaml:"args_file"`
}

// PluginArgs converts the configured arguments to the plugin argument map.
func (t TriggerConfig) PluginArgs() pluginapi.Args {
	args := pluginapi.Args{}
	for k, v := range t.Args {
		args[k] = v
	}
	if t.ArgsFile != "" {
		args["config_file_path"] = t.ArgsFile
	}
	return args
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("harness config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("harness config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: DefaultHTTPPort},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, t := range cfg.Triggers {
		if seen[t.Name] {
			return fmt.Errorf("duplicate trigger name %q", t.Name)
		}
		seen[t.Name] = true

		if !KnownPlugin(t.Plugin) {
			return fmt.Errorf("trigger %q: unknown plugin %q", t.Name, t.Plugin)
		}
		spec, err := ParseSpec(t.Spec)
		if err != nil {
			return fmt.Errorf("trigger %q: %w", t.Name, err)
		}
		if err := checkSpecSupported(t.Plugin, spec); err != nil {
			return fmt.Errorf("trigger %q: %w", t.Name, err)
		}
	}
	return nil
}

// checkSpecSupported verifies the named plugin implements the callback the
// spec requires.
func checkSpecSupported(name string, spec Spec) error {
	p, err := NewPlugin(name)
	if err != nil {
		return err
	}
	switch spec.Kind {
	case SpecScheduled:
		if _, ok := p.(pluginapi.ScheduledPlugin); !ok {
			return fmt.Errorf("plugin %q has no scheduled trigger", name)
		}
	case SpecAllTables, SpecSingleTable:
		if _, ok := p.(pluginapi.WritePlugin); !ok {
			return fmt.Errorf("plugin %q has no write trigger", name)
		}
	case SpecRequest:
		if _, ok := p.(pluginapi.HTTPPlugin); !ok {
			return fmt.Errorf("plugin %q has no request trigger", name)
		}
	}
	return nil
}
