// Package config loads the sectioned configuration file: [local],
// [remote], [clouds], [engine.<name>] and [db] sections, parsed with
// go-ini and defaulted via creasty/defaults struct tags.
package config

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-ini/ini"

	"github.com/tilde-lab/yascheduler/engine"
)

// Local holds settings for this scheduler process's own machine.
type Local struct {
	DataDir        string `ini:"data_dir" default:"./data"`
	EnginesDir     string `ini:"engines_dir" default:"./data/engines"`
	TasksDir       string `ini:"tasks_dir" default:"./data/tasks"`
	KeysDir        string `ini:"keys_dir" default:"./data/keys"`
	WebhookThreads int    `ini:"webhook_threads" default:"2"`
	LogFile        string `ini:"log_file" default:"./data/yascheduler.log"`
}

// Remote holds the defaults assumed about every managed node's own
// filesystem layout and login user.
type Remote struct {
	DataDir    string `ini:"data_dir" default:"/opt/yascheduler"`
	EnginesDir string `ini:"engines_dir" default:"/opt/yascheduler/engines"`
	TasksDir   string `ini:"tasks_dir" default:"/opt/yascheduler/tasks"`
	User       string `ini:"user" default:"root"`
}

// CloudCredentials is one provider's entry under [clouds]: <name>_login,
// <name>_pass, <name>_max_nodes, and optionally <name>_public_key, the
// path to the public key enrolled on every node the provider creates.
// When unset, id_rsa.pub under [local] keys_dir is used, pairing with
// the private key the remote-shell layer dials with.
type CloudCredentials struct {
	Login         string
	Password      string
	MaxNodes      int
	PublicKeyPath string
}

// DB holds the storage adapter's connection parameters.
type DB struct {
	Host     string `ini:"host" default:"localhost"`
	Port     int    `ini:"port" default:"5432"`
	Name     string `ini:"name" default:"yascheduler"`
	User     string `ini:"user" default:"yascheduler"`
	Password string `ini:"password"`
	SSLMode  string `ini:"sslmode" default:"disable"`
}

// DSN assembles a libpq-style connection string for pgx.
func (d DB) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// Config is the fully parsed configuration file.
type Config struct {
	Local   Local
	Remote  Remote
	Clouds  map[string]CloudCredentials
	Engines engine.Repository
	DB      DB
}

// Load parses path into a Config, applying struct-tag defaults before
// the file's own values override them section by section.
func Load(path string) (*Config, error) {
	cfg := &Config{Clouds: make(map[string]CloudCredentials)}
	if err := defaults.Set(&cfg.Local); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if err := defaults.Set(&cfg.Remote); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if err := defaults.Set(&cfg.DB); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	// Inline comments stay part of the value: ';' separates deploy steps.
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec, err := file.GetSection("local"); err == nil {
		if err := sec.MapTo(&cfg.Local); err != nil {
			return nil, fmt.Errorf("config: [local]: %w", err)
		}
	}
	if sec, err := file.GetSection("remote"); err == nil {
		if err := sec.MapTo(&cfg.Remote); err != nil {
			return nil, fmt.Errorf("config: [remote]: %w", err)
		}
	}
	if sec, err := file.GetSection("db"); err == nil {
		if err := sec.MapTo(&cfg.DB); err != nil {
			return nil, fmt.Errorf("config: [db]: %w", err)
		}
	}

	if sec, err := file.GetSection("clouds"); err == nil {
		clouds, err := parseClouds(sec)
		if err != nil {
			return nil, fmt.Errorf("config: [clouds]: %w", err)
		}
		cfg.Clouds = clouds
	}

	engines, err := parseEngines(file)
	if err != nil {
		return nil, err
	}
	cfg.Engines = engines

	return cfg, nil
}

// parseClouds groups the flat <name>_login/<name>_pass/<name>_max_nodes
// keys of [clouds] by provider name.
func parseClouds(sec *ini.Section) (map[string]CloudCredentials, error) {
	byName := make(map[string]CloudCredentials)
	for _, key := range sec.Keys() {
		name, field, ok := splitCloudKey(key.Name())
		if !ok {
			continue
		}
		c := byName[name]
		switch field {
		case "login":
			c.Login = key.String()
		case "pass":
			c.Password = key.String()
		case "max_nodes":
			n, err := key.Int()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key.Name(), err)
			}
			c.MaxNodes = n
		case "public_key":
			c.PublicKeyPath = key.String()
		}
		byName[name] = c
	}
	return byName, nil
}

func splitCloudKey(key string) (name, field string, ok bool) {
	for _, suffix := range []string{"_login", "_pass", "_max_nodes", "_public_key"} {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			return key[:len(key)-len(suffix)], suffix[1:], true
		}
	}
	return "", "", false
}

// parseEngines builds an engine.Repository from every [engine.<name>]
// section in the file.
func parseEngines(file *ini.File) (engine.Repository, error) {
	repo := make(engine.Repository)
	const prefix = "engine."
	for _, sec := range file.Sections() {
		if len(sec.Name()) <= len(prefix) || sec.Name()[:len(prefix)] != prefix {
			continue
		}
		name := sec.Name()[len(prefix):]
		e, err := engine.FromSection(name, sec)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		repo[name] = e
	}
	return repo, nil
}
