package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakio.ini")
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeTemp(t, `
[server]
host = 0.0.0.0
port = 8964
connections = 128

[users]
alice = hunter2
bob = correcthorse
`)
	cfg, err := LoadServerConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Host, "0.0.0.0")
	assert.Equal(t, cfg.Port, 8964)
	assert.Equal(t, cfg.Connections, 128)
	assert.Equal(t, cfg.Users.Len(), 2)

	_, ok := cfg.Users.Find("alice")
	assert.Assert(t, ok)
}

func TestLoadServerConfigEnforcesMinimumConnections(t *testing.T) {
	path := writeTemp(t, `
[server]
host = 0.0.0.0
port = 8964
connections = 16

[users]
alice = hunter2
`)
	cfg, err := LoadServerConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Connections, defaultConnections)
}

func TestLoadServerConfigRequiresUsers(t *testing.T) {
	path := writeTemp(t, `
[server]
host = 0.0.0.0
port = 8964
`)
	_, err := LoadServerConfig(path)
	assert.ErrorContains(t, err, "at least one user")
}

func TestLoadClientConfig(t *testing.T) {
	path := writeTemp(t, `
[server]
host = fakio.example.com
port = 8964

[client]
host = 127.0.0.1
port = 1080

[user]
name = alice
password = hunter2
`)
	cfg, err := LoadClientConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.ServerHost, "fakio.example.com")
	assert.Equal(t, cfg.ServerPort, 8964)
	assert.Equal(t, cfg.LocalPort, 1080)
	assert.Equal(t, cfg.Username, "alice")
	assert.Equal(t, cfg.Password, "hunter2")
}

func TestLoadClientConfigRequiresUser(t *testing.T) {
	path := writeTemp(t, `
[server]
host = fakio.example.com
port = 8964

[client]
port = 1080
`)
	_, err := LoadClientConfig(path)
	assert.ErrorContains(t, err, "[user] name is required")
}
