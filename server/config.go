package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/storage"
	"github.com/janelia-flyem/cleaveserver/upstream"
)

const (
	// DefaultWebAddress is the default address of the cleave web server
	DefaultWebAddress = ":5555"

	// DefaultMaxConnections caps simultaneous HTTP connections.
	DefaultMaxConnections = 200

	// DefaultShutdownDelay is the seconds given in-flight requests on shutdown.
	DefaultShutdownDelay = 5
)

// DefaultHost is the default most understandable alias for this server.
var DefaultHost = "localhost"

func init() {
	// Set default Host name for understandability from user perspective.
	// Assumes Linux or Mac.
	cmd := exec.Command("/bin/hostname", "-f")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		core.Debugf("Unable to get default Host name via /bin/hostname: %v\n", err)
		return
	}
	if host := bytes.TrimSpace(out.Bytes()); len(host) != 0 {
		DefaultHost = string(host)
	}
}

// Config is the TOML configuration of the cleave server.
type Config struct {
	Server   serverConfig
	Logging  core.LogConfig
	Graph    graphConfig
	Upstream upstreamConfig
	Kafka    storage.KafkaConfig
	Activity activityConfig
	Auth     authConfig

	// location of the TOML file, empty if defaults are used
	location string
}

type serverConfig struct {
	Host           string
	HTTPAddress    string `toml:"httpAddress"`
	MaxConnections int    `toml:"max_connections"`
	ShutdownDelay  int    `toml:"shutdown_delay"` // seconds
	CorsDomains    []string
	Note           string
}

type graphConfig struct {
	MergeTable       string `toml:"merge_table"`
	Snapshot         string `toml:"snapshot"` // badger directory, empty for no persistence
	SnapshotBlock    int    `toml:"snapshot_block_rows"`
	PrimaryUUID      string `toml:"primary_uuid"`
	MaxTrackedBodies int    `toml:"max_tracked_bodies"`
	IgnoreUnknown    bool   `toml:"ignore_unknown_nodes"`
}

type upstreamConfig struct {
	App            string
	LabelGraph     string  `toml:"labelgraph"`
	Timeout        int     `toml:"timeout"` // seconds
	RequestsPerSec float64 `toml:"requests_per_sec"`
	Burst          int
	CacheMB        int `toml:"cache_mb"`
}

type activityConfig struct {
	Logfile string
}

// DefaultConfig returns the configuration used without a TOML file.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultWebAddress
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.ShutdownDelay == 0 {
		c.Server.ShutdownDelay = DefaultShutdownDelay
	}
	if c.Graph.MaxTrackedBodies == 0 {
		c.Graph.MaxTrackedBodies = 100000
	}
}

// LoadConfig loads the server configuration from a TOML file.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	c.setDefaults()
	return &c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error

	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = core.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting logfile setting to absolute path")
		}
	}

	// [graph].merge_table, unless it is a bucket URL
	if c.Graph.MergeTable != "" && !isURL(c.Graph.MergeTable) {
		c.Graph.MergeTable, err = core.ConvertToAbsolute(c.Graph.MergeTable, configDir)
		if err != nil {
			return fmt.Errorf("Error converting merge_table setting to absolute path")
		}
	}

	// [graph].snapshot
	if c.Graph.Snapshot != "" {
		c.Graph.Snapshot, err = core.ConvertToAbsolute(c.Graph.Snapshot, configDir)
		if err != nil {
			return fmt.Errorf("Error converting snapshot setting to absolute path")
		}
	}

	// [activity].logfile
	if c.Activity.Logfile != "" {
		c.Activity.Logfile, err = core.ConvertToAbsolute(c.Activity.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting activity logfile setting to absolute path")
		}
	}

	// [auth].auth_file
	if c.Auth.AuthFile != "" {
		c.Auth.AuthFile, err = core.ConvertToAbsolute(c.Auth.AuthFile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting auth_file setting to absolute path")
		}
	}
	return nil
}

func isURL(ref string) bool {
	return strings.Contains(ref, "://")
}

// Location returns the TOML file the configuration was loaded from.
func (c *Config) Location() string {
	return c.location
}

// ShutdownDelay returns how long in-flight requests get on shutdown.
func (c *Config) ShutdownDelay() time.Duration {
	return time.Duration(c.Server.ShutdownDelay) * time.Second
}

// Host returns the host alias plus any port.
func (c *Config) Host() string {
	if i := strings.LastIndexByte(c.Server.HTTPAddress, ':'); i >= 0 {
		return c.Server.Host + c.Server.HTTPAddress[i:]
	}
	return c.Server.Host
}

// UpstreamOptions returns the options for the DVID client.
func (c *Config) UpstreamOptions() upstream.Options {
	return upstream.Options{
		App:            c.Upstream.App,
		Timeout:        time.Duration(c.Upstream.Timeout) * time.Second,
		RequestsPerSec: c.Upstream.RequestsPerSec,
		Burst:          c.Upstream.Burst,
		CacheMB:        c.Upstream.CacheMB,
		LabelGraph:     c.Upstream.LabelGraph,
	}
}
