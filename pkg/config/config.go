// Package config loads the INI configuration files described in
// spec.md §6, using gopkg.in/ini.v1 — the standard Go INI library, and
// an intentionally ungrounded ecosystem pick: no example repo in the
// retrieval pack parses INI, but it matches the original system's own
// configuration file format exactly (see original_source/config.c's
// ad-hoc key=value grammar, formalized here into proper sections).
package config

import (
	"fmt"

	"github.com/fakio/fakio/pkg/userdir"
	"gopkg.in/ini.v1"
)

// defaultConnections is the floor spec.md §6 sets on the `connections`
// key and pkg/pool.New enforces independently.
const defaultConnections = 64

// ServerConfig is the parsed [server]/[users] configuration for
// fakio-server.
type ServerConfig struct {
	Host        string
	Port        int
	Connections int
	Users       *userdir.Directory
	MetricsAddr string // empty disables the /metrics endpoint
}

// ClientConfig is the parsed [server]/[client]/[user] configuration for
// fakio-local.
type ClientConfig struct {
	ServerHost  string
	ServerPort  int
	LocalHost   string
	LocalPort   int
	Username    string
	Password    string
	MetricsAddr string // empty disables the /metrics endpoint
}

// LoadServerConfig reads and validates a server-side configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	server := f.Section("server")
	cfg := &ServerConfig{
		Host:        server.Key("host").String(),
		Port:        server.Key("port").MustInt(0),
		Connections: server.Key("connections").MustInt(defaultConnections),
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config: [server] host is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("config: [server] port is required")
	}
	if cfg.Connections < defaultConnections {
		cfg.Connections = defaultConnections
	}

	users := userdir.New()
	if f.HasSection("users") {
		for name, password := range f.Section("users").KeysHash() {
			if err := users.Add(name, password); err != nil {
				return nil, fmt.Errorf("config: [users] %s: %w", name, err)
			}
		}
	}
	cfg.Users = users

	if cfg.Users.Len() == 0 {
		return nil, fmt.Errorf("config: [users] must define at least one user")
	}

	cfg.MetricsAddr = f.Section("metrics").Key("listen").String()

	return cfg, nil
}

// LoadClientConfig reads and validates a local-side configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	server := f.Section("server")
	client := f.Section("client")
	user := f.Section("user")

	cfg := &ClientConfig{
		ServerHost: server.Key("host").String(),
		ServerPort: server.Key("port").MustInt(0),
		LocalHost:  client.Key("host").MustString("127.0.0.1"),
		LocalPort:  client.Key("port").MustInt(0),
		Username:   user.Key("name").String(),
		Password:   user.Key("password").String(),
	}

	switch {
	case cfg.ServerHost == "":
		return nil, fmt.Errorf("config: [server] host is required")
	case cfg.ServerPort <= 0:
		return nil, fmt.Errorf("config: [server] port is required")
	case cfg.LocalPort <= 0:
		return nil, fmt.Errorf("config: [client] port is required")
	case cfg.Username == "":
		return nil, fmt.Errorf("config: [user] name is required")
	case len(cfg.Username) > userdir.MaxUsernameLen:
		return nil, fmt.Errorf("config: [user] name exceeds %d bytes", userdir.MaxUsernameLen)
	case cfg.Password == "":
		return nil, fmt.Errorf("config: [user] password is required")
	}

	cfg.MetricsAddr = f.Section("metrics").Key("listen").String()

	return cfg, nil
}
