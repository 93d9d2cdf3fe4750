// Package muconfig loads the server's optional JSON configuration file:
// a missing file is not an error, just a reason to fall back to
// defaults, and unrecognized keys are ignored rather than rejected.
package muconfig

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

// DefaultPath is the configuration file muserver looks for when no
// explicit path is given.
const DefaultPath = "./megamicro.json"

// DefaultMaxConnect is the maximum simultaneous client connections
// allowed when the configuration file doesn't override it.
const DefaultMaxConnect = 5

var log_ = log.New(os.Stderr, "muconfig: ", log.LstdFlags)

// Job is one scheduler entry loaded from the "jobs" array. Request is
// expected to be "scheduler"; the remaining fields feed muscheduler
// directly once the server resolves Start/Stop into time.Time values.
type Job struct {
	Request string                 `json:"request"`
	Command string                 `json:"command"` // "run" or "prun"
	Params  map[string]interface{} `json:"parameters"`
}

// Config is the resolved server configuration: either loaded from file
// or filled with defaults when no file is present.
type Config struct {
	MaxConnect int    `json:"maxconnect"`
	Filename   string `json:"filename"`
	H5RootDir  string `json:"h5_rootdir"`
	Jobs       []Job  `json:"jobs"`

	// Path is the file the config was actually loaded from, empty if
	// defaults were used.
	Path string `json:"-"`
}

// raw mirrors Config's on-disk shape without the defaulting logic, so a
// field's absence can be distinguished from its zero value.
type raw struct {
	MaxConnect *int    `json:"maxconnect"`
	Filename   *string `json:"filename"`
	H5RootDir  *string `json:"h5_rootdir"`
	Jobs       []Job   `json:"jobs"`
}

// Load reads path, falling back to cwd-rooted defaults when the file
// does not exist. A malformed file is logged and treated the same as a
// missing one.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		MaxConnect: DefaultMaxConnect,
		H5RootDir:  cwd,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log_.Printf("no configuration file found at %s, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		log_.Printf("reading configuration file %s failed: %v, using defaults", path, err)
		return cfg, nil
	}

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		log_.Printf("parsing configuration file %s failed: %v, using defaults", path, err)
		return cfg, nil
	}

	cfg.Path = path
	if r.MaxConnect != nil {
		cfg.MaxConnect = *r.MaxConnect
	}
	if r.Filename != nil {
		cfg.Filename = *r.Filename
	}
	if r.H5RootDir != nil {
		cfg.H5RootDir = *r.H5RootDir
	}
	if len(r.Jobs) == 0 {
		log_.Printf("no jobs entry found in %s: no jobs to schedule", path)
	}
	cfg.Jobs = r.Jobs

	if _, err := os.Stat(cfg.H5RootDir); err != nil {
		log_.Printf("h5_rootdir %s does not exist: %v", cfg.H5RootDir, err)
	}

	abs, err := filepath.Abs(cfg.H5RootDir)
	if err == nil {
		cfg.H5RootDir = abs
	}

	return cfg, nil
}
