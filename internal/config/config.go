// Package config provides configuration management for the zone counter.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
)

const envPrefix = "ZONE_COUNTER_"

// ErrInvalidZone reports a zone or direction that cannot be used.
var ErrInvalidZone = errors.New("invalid zone configuration")

// Config holds the application configuration with thread-safe access.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Streams     []StreamConfig `yaml:"streams"`
	Tracking    TrackingConfig `yaml:"tracking"`
	Health      HealthConfig   `yaml:"health"`
	Storage     StorageConfig  `yaml:"storage"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	LogLevel    string         `yaml:"log_level"`
	mu          sync.RWMutex
	subscribers []func(*Config)
}

// Snapshot is a read-only snapshot of the current configuration.
type Snapshot struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Streams  []StreamConfig `yaml:"streams" json:"streams"`
	Tracking TrackingConfig `yaml:"tracking" json:"tracking"`
	Health   HealthConfig   `yaml:"health" json:"health"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	LogLevel string         `yaml:"log_level" json:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// StreamConfig describes one video stream and how crossings are counted on it.
type StreamConfig struct {
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description" json:"description"`
	URL             string            `yaml:"url" json:"url"`
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	FrameSkip       int               `yaml:"frame_skip" json:"frame_skip"`
	Width           int               `yaml:"width" json:"width"`
	Height          int               `yaml:"height" json:"height"`
	SnapshotDir     string            `yaml:"snapshot_dir" json:"snapshot_dir"`
	SnapshotQuality int               `yaml:"snapshot_quality" json:"snapshot_quality"`
	Classes         []string          `yaml:"classes" json:"classes"`
	MinConfidence   float64           `yaml:"min_confidence" json:"min_confidence"`
	Overlay         bool              `yaml:"overlay" json:"overlay"`
	Zones           []ZoneConfig      `yaml:"zones" json:"zones"`
	Directions      []DirectionConfig `yaml:"directions" json:"directions"`
	Tracker         TrackerConfig     `yaml:"tracker" json:"tracker"`
}

// ZoneConfig is a polygon given as a list of [x, y] vertices.
type ZoneConfig struct {
	ID     string   `yaml:"id" json:"id"`
	Points [][2]int `yaml:"points" json:"points"`
}

// Polygon converts the configured points.
func (z ZoneConfig) Polygon() geometry.Polygon {
	poly := make(geometry.Polygon, len(z.Points))
	for i, p := range z.Points {
		poly[i] = geometry.Pt(p[0], p[1])
	}
	return poly
}

// DirectionConfig names a crossing from one zone into another.
type DirectionConfig struct {
	Label string `yaml:"label" json:"label"`
	From  string `yaml:"from" json:"from"`
	To    string `yaml:"to" json:"to"`
}

// TrackerConfig selects the detector/tracker for a stream.
type TrackerConfig struct {
	Kind       string   `yaml:"kind" json:"kind"`
	Command    string   `yaml:"command" json:"command"`
	Args       []string `yaml:"args" json:"args"`
	TimeoutMs  int      `yaml:"timeout_ms" json:"timeout_ms"`
	ReplayPath string   `yaml:"replay_path" json:"replay_path"`
	RecordPath string   `yaml:"record_path" json:"record_path"`
}

// TrackingConfig contains track state retention settings.
type TrackingConfig struct {
	TrackTimeoutSeconds  int `yaml:"track_timeout_seconds" json:"track_timeout_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// HealthConfig contains health check settings.
type HealthConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	TimeoutSeconds       int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// StorageConfig contains vehicle record storage settings.
type StorageConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// Load reads configuration from a YAML file, applies env var overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.subscribers = make([]func(*Config), 0)

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	// Set defaults for any missing config values
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv(envPrefix + "HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv(envPrefix + "PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// Snapshot directory override (applies to all streams, one subdirectory each)
	if dir := os.Getenv(envPrefix + "SNAPSHOT_DIR"); dir != "" {
		for i := range c.Streams {
			c.Streams[i].SnapshotDir = filepath.Join(dir, c.Streams[i].Name)
		}
	}

	if skip := os.Getenv(envPrefix + "FRAME_SKIP"); skip != "" {
		if n, err := strconv.Atoi(skip); err == nil {
			for i := range c.Streams {
				c.Streams[i].FrameSkip = n
			}
		}
	}

	if cmd := os.Getenv(envPrefix + "TRACKER_COMMAND"); cmd != "" {
		for i := range c.Streams {
			c.Streams[i].Tracker.Command = cmd
		}
	}

	if timeout := os.Getenv(envPrefix + "TRACK_TIMEOUT_SECONDS"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil {
			c.Tracking.TrackTimeoutSeconds = n
		}
	}

	if dbPath := os.Getenv(envPrefix + "DB_PATH"); dbPath != "" {
		c.Storage.DBPath = dbPath
	}

	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}

	if c.Tracking.TrackTimeoutSeconds <= 0 {
		c.Tracking.TrackTimeoutSeconds = 30
	}
	if c.Tracking.SweepIntervalSeconds <= 0 {
		c.Tracking.SweepIntervalSeconds = 5
	}

	// Set default health check values if not configured
	if c.Health.CheckIntervalSeconds <= 0 {
		c.Health.CheckIntervalSeconds = 30
	}
	if c.Health.TimeoutSeconds <= 0 {
		c.Health.TimeoutSeconds = 5
	}

	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/vehicles.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	for i := range c.Streams {
		s := &c.Streams[i]
		if s.FrameSkip <= 0 {
			s.FrameSkip = 3
		}
		if s.Width <= 0 || s.Height <= 0 {
			s.Width, s.Height = 1020, 500
		}
		if s.SnapshotDir == "" {
			s.SnapshotDir = filepath.Join("images", s.Name)
		}
		if s.SnapshotQuality <= 0 {
			s.SnapshotQuality = 90
		}
		// an explicit empty list counts every class
		if s.Classes == nil {
			s.Classes = []string{"car"}
		}
		if len(s.Directions) == 0 {
			s.Directions = []DirectionConfig{
				{Label: "up", From: "area1", To: "area2"},
				{Label: "down", From: "area2", To: "area1"},
			}
		}
		if s.Tracker.Kind == "" {
			s.Tracker.Kind = "process"
		}
		if s.Tracker.TimeoutMs <= 0 {
			s.Tracker.TimeoutMs = 2000
		}
	}
}

// Validate checks streams, zones and directions. Zone problems wrap
// ErrInvalidZone.
func (c *Config) Validate() error {
	names := make(map[string]struct{}, len(c.Streams))
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream without a name")
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate stream %q", s.Name)
		}
		names[s.Name] = struct{}{}

		if s.URL == "" {
			return fmt.Errorf("stream %s: url is required", s.Name)
		}
		if s.MinConfidence < 0 || s.MinConfidence > 1 {
			return fmt.Errorf("stream %s: min_confidence must be within [0, 1]", s.Name)
		}
		if err := s.validateZones(); err != nil {
			return fmt.Errorf("stream %s: %w", s.Name, err)
		}
	}
	return nil
}

func (s StreamConfig) validateZones() error {
	if len(s.Zones) < 2 {
		return fmt.Errorf("%w: at least two zones are required", ErrInvalidZone)
	}

	zones := make(map[string]struct{}, len(s.Zones))
	for _, z := range s.Zones {
		if z.ID == "" {
			return fmt.Errorf("%w: zone without an id", ErrInvalidZone)
		}
		if _, dup := zones[z.ID]; dup {
			return fmt.Errorf("%w: duplicate zone %q", ErrInvalidZone, z.ID)
		}
		zones[z.ID] = struct{}{}
		if err := z.Polygon().Validate(); err != nil {
			return fmt.Errorf("%w: zone %s: %v", ErrInvalidZone, z.ID, err)
		}
	}

	labels := make(map[string]struct{}, len(s.Directions))
	for _, d := range s.Directions {
		if d.Label == "" {
			return fmt.Errorf("%w: direction without a label", ErrInvalidZone)
		}
		if _, dup := labels[d.Label]; dup {
			return fmt.Errorf("%w: duplicate direction %q", ErrInvalidZone, d.Label)
		}
		labels[d.Label] = struct{}{}
		if _, ok := zones[d.From]; !ok {
			return fmt.Errorf("%w: direction %s starts in unknown zone %q", ErrInvalidZone, d.Label, d.From)
		}
		if _, ok := zones[d.To]; !ok {
			return fmt.Errorf("%w: direction %s ends in unknown zone %q", ErrInvalidZone, d.Label, d.To)
		}
		if d.From == d.To {
			return fmt.Errorf("%w: direction %s starts and ends in %q", ErrInvalidZone, d.Label, d.From)
		}
	}
	return nil
}

// Update atomically updates the configuration
func (c *Config) Update(updater func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updater(c)
	c.notifySubscribers()
}

// Get safely retrieves a snapshot of the config without mutex
func (c *Config) Get() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	streams := make([]StreamConfig, len(c.Streams))
	for i, s := range c.Streams {
		streams[i] = s.clone()
	}

	return Snapshot{
		Server:   c.Server,
		Streams:  streams,
		Tracking: c.Tracking,
		Health:   c.Health,
		Storage:  c.Storage,
		Metrics:  c.Metrics,
		LogLevel: c.LogLevel,
	}
}

// Stream returns the configuration of the named stream.
func (s Snapshot) Stream(name string) (StreamConfig, bool) {
	for _, sc := range s.Streams {
		if sc.Name == name {
			return sc, true
		}
	}
	return StreamConfig{}, false
}

func (s StreamConfig) clone() StreamConfig {
	out := s
	if s.Classes != nil {
		out.Classes = append([]string{}, s.Classes...)
	}
	out.Zones = make([]ZoneConfig, len(s.Zones))
	for i, z := range s.Zones {
		out.Zones[i] = ZoneConfig{ID: z.ID, Points: append([][2]int(nil), z.Points...)}
	}
	out.Directions = append([]DirectionConfig(nil), s.Directions...)
	out.Tracker.Args = append([]string(nil), s.Tracker.Args...)
	return out
}

// Subscribe registers a callback for config changes
func (c *Config) Subscribe(callback func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, callback)
}

func (c *Config) notifySubscribers() {
	for _, callback := range c.subscribers {
		go callback(c)
	}
}

// Save writes the current configuration to a file
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
