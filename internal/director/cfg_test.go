package director

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "rdmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
mesh:
  interface: rd1
  stack: memory
  device_type: ft
  network_id: 42
  long_rd_id: 100
  join_mdns: true
sink:
  enabled: true
  upstream: "enp*"
  rs_delay: 2s
radio:
  listen: "[::1]:7500"
  max_frame_size: 4KB
  peers:
    200: "[::1]:7501"
status:
  listen: ""
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	require.Equal(t, "rd1", cfg.Mesh.Interface)
	require.Equal(t, StackMemory, cfg.Mesh.Stack)
	require.Equal(t, rdaddr.DeviceTypeFT, cfg.Mesh.DeviceType)
	require.Equal(t, uint32(42), cfg.Mesh.NetworkID)
	require.Equal(t, rdaddr.RDID(100), cfg.Mesh.RDID)
	require.True(t, cfg.Mesh.JoinMDNS)
	// Defaults survive partial sections.
	require.Equal(t, 32, cfg.Mesh.MaxChildren)
	require.Equal(t, 1280, cfg.Mesh.MTU)

	require.True(t, cfg.Sink.Enabled)
	require.Equal(t, "enp*", cfg.Sink.Upstream)
	require.Equal(t, 2*time.Second, cfg.Sink.RSDelay)
	require.Equal(t, 5*time.Minute, cfg.Sink.RSMaxInterval)

	require.Equal(t, 4*datasize.KB, cfg.Radio.MaxFrameSize)
	require.Equal(t, "[::1]:7501", cfg.Radio.Peers[200])
	require.Empty(t, cfg.Status.Listen)
}

func TestLoadConfig_Errors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			name: "NoRDID",
			content: `
mesh:
  stack: memory
`,
		},
		{
			name: "UnknownStack",
			content: `
mesh:
  stack: dpdk
  long_rd_id: 1
`,
		},
		{
			name: "UnknownDeviceType",
			content: `
mesh:
  long_rd_id: 1
  device_type: router
`,
		},
		{
			name: "SinkOnPT",
			content: `
mesh:
  long_rd_id: 1
  device_type: pt
sink:
  enabled: true
`,
		},
		{
			name: "BadUpstreamPattern",
			content: `
mesh:
  long_rd_id: 1
  device_type: ft
sink:
  enabled: true
  upstream: "eth["
`,
		},
		{
			name: "RootWithParent",
			content: `
mesh:
  long_rd_id: 1
  device_type: ft
radio:
  parent: 2
  peers:
    2: "[::1]:7401"
`,
		},
		{
			name: "ParentWithoutPeer",
			content: `
mesh:
  long_rd_id: 1
radio:
  parent: 2
`,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, c.content))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
