package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clusterd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileWithDefaults(t *testing.T) {
	p := writeFile(t, `
socket: /tmp/c.sock
nodes: [10.0.0.1:4379, 10.0.0.2:4379]
databases:
  - name: locking.db
  - name: registry.db
    persistent: true
tunables:
  ro_grace: 250ms
  max_hop_count: 10
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/c.sock", c.Socket)
	assert.Len(t, c.Nodes, 2)
	assert.True(t, c.Databases[1].Persistent)
	assert.Equal(t, 250*time.Millisecond, c.Tunables.ROGrace)
	assert.Equal(t, uint32(10), c.Tunables.MaxHopCount)
	// untouched tunables keep their defaults
	assert.True(t, c.Tunables.FetchCollapse)
	assert.Equal(t, 30*time.Second, c.Tunables.DeferredFetchTimeout)
	assert.Equal(t, 5, c.Tunables.KeepaliveLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "nodes: [a:1]\n")
	t.Setenv("CLUSTERD_NODES", "a:1, b:2 ,c:3")
	t.Setenv("CLUSTERD_FETCH_COLLAPSE", "false")
	t.Setenv("CLUSTERD_CONTROL_TIMEOUT", "2s")
	t.Setenv("CLUSTERD_KEEPALIVE_LIMIT", "not-a-number")

	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, c.Nodes)
	assert.False(t, c.Tunables.FetchCollapse)
	assert.Equal(t, 2*time.Second, c.Tunables.ControlTimeout)
	assert.Equal(t, 5, c.Tunables.KeepaliveLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"no nodes", func(c *Config) { c.Nodes = nil }, false},
		{"duplicate nodes", func(c *Config) { c.Nodes = []string{"a", "a"} }, false},
		{"unknown node address", func(c *Config) { c.NodeAddress = "z" }, false},
		{"zero keepalive", func(c *Config) { c.Tunables.KeepaliveInterval = 0 }, false},
		{"negative grace", func(c *Config) { c.Tunables.ROGrace = -time.Second }, false},
		{"duplicate db", func(c *Config) {
			c.Databases = []Database{{Name: "x"}, {Name: "x"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			c.Nodes = []string{"a", "b"}
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
