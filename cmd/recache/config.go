package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       int              `yaml:"port"`
	Origin     string           `yaml:"origin"`
	Backend    BackendConfig    `yaml:"backend"`
	Serializer SerializerConfig `yaml:"serializer"`
	Cache      CacheConfig      `yaml:"cache"`
}

type BackendConfig struct {
	// Type is one of memory, sqlite, leveldb, filesystem, redis.
	Type string `yaml:"type"`
	// Path of the database file or directory for file-backed types.
	Path string `yaml:"path"`
	// Redis address and key prefix, for the redis type.
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
	// SplitThreshold offloads bodies above this many bytes into a
	// separate entry. Zero disables splitting.
	SplitThreshold int `yaml:"splitThreshold"`
}

type SerializerConfig struct {
	Format   string `yaml:"format"`
	Compress bool   `yaml:"compress"`
	Secret   string `yaml:"secret"`
}

type CacheConfig struct {
	DefaultTTL    duration     `yaml:"defaultTTL"`
	Rules         []RuleConfig `yaml:"rules"`
	IgnoredParams []string     `yaml:"ignoredParams"`
	MatchHeaders  []string     `yaml:"matchHeaders"`
}

type RuleConfig struct {
	Pattern string   `yaml:"pattern"`
	TTL     duration `yaml:"ttl"`
	// NoCache refuses caching for matching URLs entirely.
	NoCache bool `yaml:"noCache"`
}

// duration parses "90s", "15m" etc. from YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
