// Package config loads the render worker's YAML configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Placeholders understood by render.command.
const (
	PlaceholderProject = "{project}" // downloaded project file
	PlaceholderFrame   = "{frame}"
	PlaceholderOutput  = "{output}" // path the frame must be written to
)

// Config holds the worker configuration
type Config struct {
	Worker struct {
		ID               string `yaml:"id"`                // Kept across restarts once the server assigned one
		Host             string `yaml:"host"`              // Address the server reaches this worker at (default: peer address)
		Listen           string `yaml:"listen"`            // STARTTASK listener (default: :9000)
		Port             int    `yaml:"port"`              // Advertised port (default: port of listen)
		PerformanceScore int    `yaml:"performance_score"` // 0 = measure from CPU
	} `yaml:"worker"`

	Server struct {
		URL string `yaml:"url"` // Farm server base URL (e.g., http://localhost:8080)
	} `yaml:"server"`

	Render struct {
		Command    string        `yaml:"command"`     // Per-frame command with {project} {frame} {output}
		WorkDir    string        `yaml:"work_dir"`    // Downloaded projects and rendered frames (default: ./work)
		Processors int           `yaml:"processors"`  // Concurrent subtasks (default: 1)
		QueueSize  int           `yaml:"queue_size"`  // Buffered STARTTASKs (default: 8)
		Timeout    time.Duration `yaml:"timeout"`     // Per-frame render bound (default: 30m)
		KeepFrames bool          `yaml:"keep_frames"` // Keep local copies after upload
	} `yaml:"render"`

	Journal struct {
		Path string `yaml:"path"` // SQLite journal path (default: ./data/worker.db)
	} `yaml:"journal"`
}

// Load reads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document, filling defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	// Validate required fields
	if cfg.Server.URL == "" {
		return nil, errors.New("server.url is required")
	}
	if cfg.Render.Command == "" {
		return nil, errors.New("render.command is required")
	}
	if !strings.Contains(cfg.Render.Command, PlaceholderFrame) || !strings.Contains(cfg.Render.Command, PlaceholderOutput) {
		return nil, errors.Errorf("render.command must contain %s and %s", PlaceholderFrame, PlaceholderOutput)
	}
	if cfg.Worker.PerformanceScore < 0 {
		return nil, errors.New("worker.performance_score must not be negative")
	}

	cfg.Server.URL = strings.TrimRight(cfg.Server.URL, "/")
	if cfg.Worker.Listen == "" {
		cfg.Worker.Listen = ":9000"
	}
	if cfg.Worker.Port == 0 {
		port, err := listenPort(cfg.Worker.Listen)
		if err != nil {
			return nil, err
		}
		cfg.Worker.Port = port
	}
	if cfg.Render.WorkDir == "" {
		cfg.Render.WorkDir = "./work"
	}
	if cfg.Render.Processors <= 0 {
		cfg.Render.Processors = 1
	}
	if cfg.Render.QueueSize <= 0 {
		cfg.Render.QueueSize = 8
	}
	if cfg.Render.Timeout <= 0 {
		cfg.Render.Timeout = 30 * time.Minute
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "./data/worker.db"
	}
	return &cfg, nil
}

func listenPort(listen string) (int, error) {
	i := strings.LastIndex(listen, ":")
	if i < 0 {
		return 0, errors.Errorf("worker.listen %q has no port", listen)
	}
	var port int
	for _, c := range listen[i+1:] {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("worker.listen %q has no numeric port", listen)
		}
		port = port*10 + int(c-'0')
	}
	if port < 1 || port > 65535 {
		return 0, errors.Errorf("worker.listen %q: port out of range", listen)
	}
	return port, nil
}
