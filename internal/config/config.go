// Package config builds the proxy's CLI surface (spec §6): a cobra root
// command plus a `backend` sub-mode, with viper binding WORKS/PORT/
// BACKEND_ADDR/ENABLE_CP/IN_CONTAINER/TARGET as flag fallbacks. The
// teacher's single-binary, stdlib-`flag`-plus-YAML surface is narrower;
// we keep its YAML file (now scoped to static topology/credential
// bootstrap) and add the wider flag set on top of it with cobra/viper,
// the libraries the rest of the pack reaches for once a CLI grows past a
// handful of flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort     = 3306
	defaultHTTPPort = 8080
)

// StaticUser is one YAML-configured credential, the bootstrap-mode
// analogue of a control-plane ServiceSecrets record.
type StaticUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Plugin   string `yaml:"plugin"` // "native" or "caching_sha2" (default)
}

// StaticInstance is one YAML-configured BackendInstance, registered
// directly into the Topology Store without a control plane.
type StaticInstance struct {
	Namespace string `yaml:"namespace"`
	NodeName  string `yaml:"nodeName"`
	Region    string `yaml:"region"`
	Zone      string `yaml:"zone"`
	Cluster   string `yaml:"cluster"`
	Address   string `yaml:"address"`
}

// StaticTopology is the `static` router/credential-provider bootstrap
// file (spec §6, §9's "static" router name): a fixed user list and
// instance list with no control plane involved.
type StaticTopology struct {
	Users     []StaticUser     `yaml:"users"`
	Instances []StaticInstance `yaml:"instances"`
}

// LoadStaticTopology reads and parses a StaticTopology YAML file.
func LoadStaticTopology(path string) (*StaticTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static topology file %s: %w", path, err)
	}
	var t StaticTopology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal static topology file %s: %w", path, err)
	}
	return &t, nil
}

// Config is the resolved CLI configuration for one run, after flags and
// their WORKS/PORT/BACKEND_ADDR/ENABLE_CP/IN_CONTAINER/TARGET env-var
// fallbacks have been merged by viper.
type Config struct {
	Works              int
	Port               int
	HTTPPort           int
	TLS                bool
	EnableMetrics      bool
	EnableREST         bool
	Router             string // "static" or "control-plane"
	Balance            string
	LogLevel           string
	ClusterWatcherAddr string
	NodeID             string
	MaxConns           int
	StaticConfigPath   string
	InContainer        bool
	Target             string
	HandshakeTimeout   time.Duration
	LeaseTimeout       time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration

	// Backend sub-mode only.
	BackendMode bool
	BackendAddr string
}

// NewRootCommand builds the cobra root command. run is invoked with the
// resolved Config once flags (and the `backend` sub-command, if chosen)
// have parsed; it is the only thing main.go supplies.
func NewRootCommand(run func(*Config) error) *cobra.Command {
	cfg := &Config{}
	v := viper.New()

	root := &cobra.Command{
		Use:   "mono-proxy-server",
		Short: "MySQL wire-protocol proxy with a streaming topology control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindEnv(v)
			applyFallbacks(cfg, v)
			return run(cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.IntVar(&cfg.Works, "works", 0, "number of worker threads (default: number of cores)")
	flags.IntVar(&cfg.Port, "port", 0, "frontend listen port (default 3306, or $PORT)")
	flags.IntVar(&cfg.HTTPPort, "http-port", 0, "admin HTTP surface port (default 8080)")
	flags.BoolVar(&cfg.TLS, "tls", false, "require TLS on frontend connections")
	flags.BoolVar(&cfg.EnableMetrics, "enable-metrics", false, "parsed but a documented no-op (metrics export is out of scope)")
	flags.BoolVar(&cfg.EnableREST, "enable-rest", false, "serve the admin HTTP surface")
	flags.StringVar(&cfg.Router, "router", "control-plane", "cluster routing source: control-plane or static")
	flags.StringVar(&cfg.Balance, "balance", "least-loaded", "instance selection policy within a cluster")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log verbosity")
	flags.StringVar(&cfg.ClusterWatcherAddr, "cluster-watcher-addr", "", "control-plane Topology websocket URL")
	flags.StringVar(&cfg.NodeID, "node-id", "", "this proxy instance's node id")
	flags.IntVar(&cfg.MaxConns, "max-conns", 0, "max concurrent frontend connections (0 = unbounded)")
	flags.StringVar(&cfg.StaticConfigPath, "static-config", "", "path to a StaticTopology YAML file (--router static)")
	flags.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 0, "deadline for the MySQL handshake exchange (default 10s)")
	flags.DurationVar(&cfg.LeaseTimeout, "lease-timeout", 0, "deadline for leasing a backend link (default 5s)")
	flags.DurationVar(&cfg.ReadTimeout, "read-timeout", 0, "deadline for a single command-phase read (default 30s)")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", 0, "deadline for a single command-phase write (default 30s)")

	backendCmd := &cobra.Command{
		Use:   "backend",
		Short: "bypass the control plane, statically registering one BackendInstance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.BackendMode = true
			bindEnv(v)
			applyFallbacks(cfg, v)
			return run(cfg)
		},
	}
	backendCmd.Flags().StringVar(&cfg.BackendAddr, "backend-addr", "", "host:port of the single backend to register")
	root.AddCommand(backendCmd)

	return root
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("works", "WORKS")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("backend-addr", "BACKEND_ADDR")
	_ = v.BindEnv("enable-cp", "ENABLE_CP")
	_ = v.BindEnv("in-container", "IN_CONTAINER")
	_ = v.BindEnv("target", "TARGET")
}

// applyFallbacks fills in any Config field still at its zero value from
// the matching environment variable, letting a deployment set WORKS/
// PORT/BACKEND_ADDR/ENABLE_CP/IN_CONTAINER/TARGET instead of passing
// flags explicitly (spec §6).
func applyFallbacks(cfg *Config, v *viper.Viper) {
	if cfg.Works == 0 {
		cfg.Works = v.GetInt("works")
	}
	if cfg.Port == 0 {
		cfg.Port = v.GetInt("port")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.BackendAddr == "" {
		cfg.BackendAddr = v.GetString("backend-addr")
	}
	if !cfg.EnableREST && v.IsSet("enable-cp") {
		cfg.EnableREST = v.GetBool("enable-cp")
	}
	cfg.InContainer = v.GetBool("in-container")
	if cfg.Target == "" {
		cfg.Target = v.GetString("target")
	}
}
