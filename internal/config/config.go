// Package config holds the adapter options and their CLI / file sources.
package config

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Version is the adapter version reported by the status RPC.
var Version = "dev"

// IceServer describes one STUN or TURN server handed to new peer relays.
type IceServer struct {
	URL        string   `yaml:"url"`
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Options stores all adapter parameters. Flags override file values, file
// values override defaults.
type Options struct {
	PlayerID    int    `yaml:"id"`
	PlayerLogin string `yaml:"login"`

	RPCPort    int `yaml:"rpc-port"`    // JSON-RPC control port (loopback)
	GPGNetPort int `yaml:"gpgnet-port"` // game-control port (loopback)
	LobbyPort  int `yaml:"lobby-port"`  // UDP port the game's lobby socket binds

	LogFile  string `yaml:"log-file"`
	LogLevel string `yaml:"log-level"`

	TelemetryServer string `yaml:"telemetry-server"`

	IceServers []IceServer `yaml:"ice-servers"`
}

// defaults returns the built-in option values.
func defaults() Options {
	return Options{
		RPCPort:    7236,
		GPGNetPort: 7237,
		LobbyPort:  7238,
		LogLevel:   "info",
	}
}

// ParseFlags builds Options from the given command line. A --config YAML file
// is applied before the remaining flags so that explicit flags win.
func ParseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("ice-adapter", flag.ContinueOnError)

	configFile := fs.String("config", "", "optional YAML configuration file")

	opts := defaults()
	fs.IntVar(&opts.PlayerID, "id", opts.PlayerID, "local player id")
	fs.StringVar(&opts.PlayerLogin, "login", opts.PlayerLogin, "local player login")
	fs.IntVar(&opts.RPCPort, "rpc-port", opts.RPCPort, "TCP port for the JSON-RPC control channel")
	fs.IntVar(&opts.GPGNetPort, "gpgnet-port", opts.GPGNetPort, "TCP port for the game-control channel")
	fs.IntVar(&opts.LobbyPort, "lobby-port", opts.LobbyPort, "UDP port of the game's lobby socket")
	fs.StringVar(&opts.LogFile, "log-file", opts.LogFile, "also write log output to this file")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level: trace, debug, info, warn, error")
	fs.StringVar(&opts.TelemetryServer, "telemetry-server", opts.TelemetryServer, "optional WebSocket telemetry endpoint")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if *configFile != "" {
		fileOpts, err := LoadFile(*configFile)
		if err != nil {
			return opts, err
		}
		opts = fileOpts
		// Re-parse so explicit flags override the file.
		if err := fs.Parse(args); err != nil {
			return opts, err
		}
	}

	if opts.PlayerID <= 0 || opts.PlayerLogin == "" {
		return opts, fmt.Errorf("both --id and --login are required")
	}
	return opts, nil
}

// LoadFile reads Options from a YAML file, applied on top of the defaults.
func LoadFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read config file: %w", err)
	}
	opts := defaults()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return opts, nil
}
