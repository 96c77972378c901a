// Package cli writes the files `swarmmail init` creates: a config file and
// a keys file holding a fresh API key for a project.
package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/swarmmail/internal/config"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]projectKeys `yaml:"projects"`
}

type projectKeys struct {
	Keys []string `yaml:"keys"`
}

type InitOptions struct {
	Dir     string
	Project string
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	DSN    string
	// Force overwrites an existing config file.
	Force bool
}

type InitResult struct {
	ConfigPath    string
	ConfigCreated bool
	KeysPath      string
	Key           string
}

// Init writes <dir>/swarmmail.yaml unless it exists and adds a key for
// opts.Project to <dir>/swarmmail.keys.yaml.
func Init(opts InitOptions) (InitResult, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = config.HomeDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return InitResult{}, fmt.Errorf("create %s: %w", dir, err)
	}
	res := InitResult{
		ConfigPath: filepath.Join(dir, "swarmmail.yaml"),
		KeysPath:   filepath.Join(dir, "swarmmail.keys.yaml"),
	}

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "swarm.db")
	cfg.Auth.KeysFile = res.KeysPath
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
		cfg.Database.DSN = opts.DSN
	}
	if err := cfg.Validate(); err != nil {
		return InitResult{}, err
	}

	_, statErr := os.Stat(res.ConfigPath)
	if opts.Force || errors.Is(statErr, os.ErrNotExist) {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return InitResult{}, fmt.Errorf("marshal config: %w", err)
		}
		if err := os.WriteFile(res.ConfigPath, data, 0o600); err != nil {
			return InitResult{}, fmt.Errorf("write config: %w", err)
		}
		res.ConfigCreated = true
	}

	key, err := InitKeysFile(res.KeysPath, opts.Project)
	if err != nil {
		return InitResult{}, err
	}
	res.Key = key
	return res, nil
}

// InitKeysFile appends a new key for project to the keys file at path and
// returns it. Existing keys and policy are kept.
func InitKeysFile(path, project string) (string, error) {
	path = strings.TrimSpace(path)
	project = strings.TrimSpace(project)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if project == "" {
		return "", fmt.Errorf("project required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]projectKeys)
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	pk := cfg.Projects[project]
	pk.Keys = append(pk.Keys, key)
	cfg.Projects[project] = pk
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return keysFile{}, nil
	}
	if err != nil {
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
