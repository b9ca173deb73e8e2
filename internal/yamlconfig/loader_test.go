package yamlconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/config"
)

const sample = `
service:
  server_name: services.example.net
  server_id: "001"
  nickname: Defender
  channel: "#services"
link:
  host: irc.example.net
  port: 7002
  password: linkpass
  protocol: inspircd
storage:
  in_memory: true
rpc:
  enabled: true
  users:
    zed: z
    admin: a
modules:
  default: [mod_votekick]
module:
  mod_votekick:
    quorum: "3"
`

func TestLoad(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	p := filepath.Join(dir, "servicesd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sample), 0o600))

	// --- Act ---
	m, err := NewLoader().Load(context.Background(), p)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "001", m.Service.ServerID)
	assert.Equal(t, "inspircd", m.Link.Protocol)
	assert.True(t, m.Storage.InMemory)
	assert.Equal(t, []config.RPCUser{{Name: "admin", Password: "a"}, {Name: "zed", Password: "z"}}, m.RPC.Users)
	assert.Equal(t, "3", m.ModuleSettings("mod_votekick")["quorum"])

	config.ApplyDefaults(m)
	assert.NoError(t, config.Validate(m))
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(p, []byte("link:\n  hots: typo\n"), 0o600))

	_, err := NewLoader().Load(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode YAML file")
}
