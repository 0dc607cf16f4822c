package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/docrelay/errors"
)

const maxConfigSize = 10 << 20

// EnvPrefix prefixes every environment override
const EnvPrefix = "DOCRELAY"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file on top of the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return raw, nil
}

// mergeFromMap overlays only the keys present in override onto base.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	dec := json.NewDecoder(strings.NewReader(string(mergedJSON)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, bool) {
	v, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NATS_URL":        &cfg.NATS.URL,
		"NATS_USERNAME":   &cfg.NATS.Username,
		"NATS_PASSWORD":   &cfg.NATS.Password,
		"NATS_TOKEN":      &cfg.NATS.Token,
		"BRIDGE_URL":      &cfg.Transport.BridgeURL,
		"QUEUE_BACKEND":   &cfg.Queue.Backend,
		"STORAGE_BACKEND": &cfg.Storage.Backend,
		"AI_BASE_URL":     &cfg.AI.BaseURL,
		"AI_API_KEY":      &cfg.AI.APIKey,
		"AI_MODEL":        &cfg.AI.Model,
		"METRICS_STORE":   &cfg.Metrics.Store,
		"METRICS_DSN":     &cfg.Metrics.DSN,
	}
	for name, dst := range strs {
		if v, ok := l.env(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"QUEUE_WORKERS": &cfg.Queue.Workers,
		"METRICS_PORT":  &cfg.Metrics.Port,
	}
	for name, dst := range ints {
		v, ok := l.env(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides",
				fmt.Sprintf("parse %s_%s", l.envPrefix, name))
		}
		*dst = n
	}
	return nil
}
