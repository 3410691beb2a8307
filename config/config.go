package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Backend selectors for the project state store.
const (
	StateBackendJSON = "json"
	StateBackendSQL  = "sql"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	State struct {
		// Backend is "json" (one document per project) or "sql" (relational).
		Backend string `yaml:"backend"`
		// Dir holds per-project JSON documents; also the migration source.
		Dir string `yaml:"dir"`
		// DSN selects the relational database: a MySQL DSN such as
		// "user:pass@tcp(host:3306)/cineforge?parseTime=true", or a plain
		// file path for SQLite.
		DSN string `yaml:"dsn"`
	} `yaml:"state"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Worker struct {
		Addr string `yaml:"addr"`
	} `yaml:"worker"`
	Vertex struct {
		Project  string `yaml:"project"`
		Location string `yaml:"location"`
	} `yaml:"vertex"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	// Styles maps a preset name to the style prompt appended to visual
	// asset generation requests.
	Styles map[string]string `yaml:"styles"`
}

// Load reads the YAML config file and applies environment overrides for the
// Vertex credentials so workers can be configured without editing the file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("VERTEX_PROJECT_ID"); v != "" {
		cfg.Vertex.Project = v
	}
	if v := os.Getenv("VERTEX_LOCATION"); v != "" {
		cfg.Vertex.Location = v
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.State.Backend == "" {
		c.State.Backend = StateBackendJSON
	}
	if c.State.Dir == "" {
		c.State.Dir = "output/projects"
	}
	if c.State.DSN == "" {
		c.State.DSN = "output/projects/state.db"
	}
	if c.Vertex.Location == "" {
		c.Vertex.Location = "us-central1"
	}
}
