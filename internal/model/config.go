package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	_ "embed"
)

const (
	DiscoveryKubernetes = "kubernetes"
	DiscoveryCommand    = "command"
	DiscoveryStatic     = "static"
	DiscoveryNone       = "none"

	LogJSON = "json"
	LogText = "text"

	// EnvPrefix is the prefix of environment variables overriding config keys,
	// e.g. LOOKOUT_DISCOVERY_MODE overrides discovery.mode.
	EnvPrefix = "LOOKOUT"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	DataDir     string    `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	Severity    string    `json:"severity" yaml:"severity" mapstructure:"severity"`
	Concurrency int       `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	Tick        string    `json:"tick" yaml:"tick" mapstructure:"tick"`
	Verbose     bool      `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
	LogFormat   string    `json:"log_format" yaml:"log_format" mapstructure:"log_format"`
	Discovery   Discovery `json:"discovery" yaml:"discovery" mapstructure:"discovery"`
	Commands    Commands  `json:"commands" yaml:"commands" mapstructure:"commands"`
	HTTP        HTTP      `json:"http" yaml:"http" mapstructure:"http"`
	History     History   `json:"history" yaml:"history" mapstructure:"history"`
}

// Discovery selects where the set of running images comes from.
type Discovery struct {
	Mode          string   `json:"mode" yaml:"mode" mapstructure:"mode"`
	Every         string   `json:"every,omitempty" yaml:"every,omitempty" mapstructure:"every"`
	Cron          string   `json:"cron,omitempty" yaml:"cron,omitempty" mapstructure:"cron"`
	Namespace     string   `json:"namespace,omitempty" yaml:"namespace,omitempty" mapstructure:"namespace"`
	LabelSelector string   `json:"label_selector,omitempty" yaml:"label_selector,omitempty" mapstructure:"label_selector"`
	Kubeconfig    string   `json:"kubeconfig,omitempty" yaml:"kubeconfig,omitempty" mapstructure:"kubeconfig"`
	InCluster     bool     `json:"in_cluster,omitempty" yaml:"in_cluster,omitempty" mapstructure:"in_cluster"`
	Digests       bool     `json:"digests,omitempty" yaml:"digests,omitempty" mapstructure:"digests"`
	Images        []string `json:"images,omitempty" yaml:"images,omitempty" mapstructure:"images"`
	Command       *Command `json:"command,omitempty" yaml:"command,omitempty" mapstructure:"command"`
}

// Command is an external process. Args may reference ${image} and ${severity}.
type Command struct {
	Path    string            `json:"path" yaml:"path" mapstructure:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
}

type Commands struct {
	Pull    Command   `json:"pull" yaml:"pull" mapstructure:"pull"`
	Scan    Command   `json:"scan" yaml:"scan" mapstructure:"scan"`
	Remove  Command   `json:"remove" yaml:"remove" mapstructure:"remove"`
	Version *Command  `json:"version,omitempty" yaml:"version,omitempty" mapstructure:"version"`
	Setup   []Command `json:"setup,omitempty" yaml:"setup,omitempty" mapstructure:"setup"`
}

type HTTP struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" yaml:"listen" mapstructure:"listen"`
}

type History struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:     "/var/lib/lookout",
		Severity:    "high",
		Concurrency: 1,
		Tick:        "10s",
		LogFormat:   LogJSON,
		Discovery: Discovery{
			Mode:  DiscoveryKubernetes,
			Every: "60s",
			Command: &Command{
				Path: "docker",
				Args: []string{"service", "ls", "--format", "{{.Image}}"},
			},
		},
		Commands: Commands{
			Pull: Command{
				Path: "docker",
				Args: []string{"pull", "${image}"},
			},
			Scan: Command{
				Path: "snyk",
				Args: []string{"container", "monitor", "--severity-threshold=${severity}", "--json", "${image}"},
			},
			Remove: Command{
				Path: "docker",
				Args: []string{"image", "rm", "${image}"},
			},
			Version: &Command{
				Path: "snyk",
				Args: []string{"--version"},
			},
		},
		HTTP: HTTP{
			Enabled: true,
			Listen:  ":3000",
		},
	}
}

// LoadConfig merges defaults, the YAML document read from r (may be nil)
// and the environment, then validates the result against the CUE schema.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return Config{}, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("reading defaults: %w", err)
	}
	if r != nil {
		if err := v.MergeConfig(r); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv sees only keys viper already knows, omitempty fields of
	// the defaults are not among them
	for _, key := range envKeys(reflect.TypeFor[Config](), "") {
		names := []string{key, envName(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := applyLegacySeconds(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// legacyEnv maps config keys to the variable names of older deployments
var legacyEnv = map[string]string{
	"data_dir":    "DATA_PATH",
	"severity":    "SEVERITY",
	"concurrency": "JOB_MAX_CONCURRENCY",
}

// envKeys returns the dotted mapstructure keys of the scalar and []string
// fields of t. Pointers, maps and slices of structs are configured by file only.
func envKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := range t.NumField() {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + tag
		switch f.Type.Kind() {
		case reflect.Struct:
			keys = append(keys, envKeys(f.Type, key+".")...)
		case reflect.Pointer, reflect.Map:
		case reflect.Slice:
			if f.Type.Elem().Kind() == reflect.String {
				keys = append(keys, key)
			}
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyLegacySeconds(cfg *Config) error {
	seconds := []struct {
		env    string
		key    string
		target *string
	}{
		{"JOB_INTERVAL_SECONDS", "tick", &cfg.Tick},
		{"JOB_SCAN_INTERVAL_SECONDS", "discovery.every", &cfg.Discovery.Every},
	}
	for _, s := range seconds {
		val := os.Getenv(s.env)
		if val == "" || os.Getenv(envName(s.key)) != "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %s must be a positive number of seconds, got %q", ErrInvalidConfig, s.env, val)
		}
		*s.target = Seconds(n)
	}

	if port := os.Getenv("PORT"); port != "" && os.Getenv(envName("http.listen")) == "" {
		cfg.HTTP.Listen = ":" + port
	}
	return nil
}

// Validate checks the config against the embedded CUE schema.
func (c Config) Validate() error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	value := cueCtx.CompileBytes(b)
	if value.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, value.Err())
	}
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) TickPeriod() time.Duration {
	d, _ := ParseDuration(c.Tick)
	return d
}

// Period returns the discovery interval. Zero when a cron schedule is used.
func (d Discovery) Period() time.Duration {
	if d.Every == "" {
		return 0
	}
	p, _ := ParseDuration(d.Every)
	return p
}

// TimeoutDuration returns zero for commands without a timeout.
func (c Command) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, _ := ParseDuration(c.Timeout)
	return d
}
