package main

import (
	"fmt"
	"time"

	"github.com/scott-cotton/cli"

	"github.com/cyberinferno/linechat/chatserver"
)

// MainConfig holds the command line. Server settings left at their zero
// value fall back to the -config file, then to chatserver.DefaultConfig.
type MainConfig struct {
	Main *cli.Command

	ConfigFile   string `cli:"name=config desc='YAML server configuration file'"`
	Name         string `cli:"name=name desc='server name used in logs'"`
	Addr         string `cli:"name=addr desc='TCP listen address; default :12345'"`
	WebSocket    string `cli:"name=ws desc='WebSocket listen address; empty disables it'"`
	Workers      int    `cli:"name=workers desc='sessions served at once; default 10'"`
	WriteTimeout string `cli:"name=write-timeout desc='per-line write timeout such as 5s; empty means none'"`

	LogLevel string `cli:"name=log-level desc='debug info warn or error' default=info"`
	LogDir   string `cli:"name=log-dir desc='write daily log files here instead of stderr'"`

	Redis       string `cli:"name=redis desc='redis address for the presence directory; empty keeps it in memory'"`
	RedisPrefix string `cli:"name=redis-prefix desc='key prefix of presence entries' default=linechat"`

	Gops bool `cli:"name=gops desc='start the gops diagnostics agent'"`
}

// serverConfig merges the config file and the flags.
func (cfg *MainConfig) serverConfig() (chatserver.Config, error) {
	serverCfg := chatserver.DefaultConfig()
	if cfg.ConfigFile != "" {
		var err error
		serverCfg, err = chatserver.LoadConfig(cfg.ConfigFile)
		if err != nil {
			return serverCfg, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if cfg.Name != "" {
		serverCfg.Name = cfg.Name
	}
	if cfg.Addr != "" {
		serverCfg.Addr = cfg.Addr
	}
	if cfg.WebSocket != "" {
		serverCfg.WebSocketAddr = cfg.WebSocket
	}
	if cfg.Workers < 0 {
		return serverCfg, fmt.Errorf("%w: -workers must be positive, got %d", cli.ErrUsage, cfg.Workers)
	}
	if cfg.Workers > 0 {
		serverCfg.MaxWorkers = cfg.Workers
	}
	if cfg.WriteTimeout != "" {
		d, err := time.ParseDuration(cfg.WriteTimeout)
		if err != nil || d < 0 {
			return serverCfg, fmt.Errorf("%w: invalid -write-timeout %q", cli.ErrUsage, cfg.WriteTimeout)
		}
		serverCfg.WriteTimeout = d
	}

	return serverCfg, nil
}
