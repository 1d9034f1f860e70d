package director

import (
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/rdmesh/rdmesh/common/go/logging"
	"github.com/rdmesh/rdmesh/internal/radio/udpradio"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
	"github.com/rdmesh/rdmesh/internal/statusapi"
)

const (
	StackNetlink = "netlink"
	StackMemory  = "memory"
)

type Config config
type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Mesh configures the cluster interface.
	Mesh *MeshConfig `yaml:"mesh"`
	// Sink configures the upstream side of a cluster root.
	Sink *SinkConfig `yaml:"sink"`
	// Radio configures the emulated radio driver.
	Radio *udpradio.Config `yaml:"radio"`
	// Status configures the status endpoints.
	Status *statusapi.Config `yaml:"status"`
}

// MeshConfig describes the cluster interface.
type MeshConfig struct {
	// Interface is the name of the kernel network device of the cluster.
	Interface string `yaml:"interface"`
	// Stack selects the IPv6 stack: "netlink" drives a TUN device through
	// the kernel, "memory" keeps everything in process.
	Stack string `yaml:"stack"`
	// MTU of the TUN device.
	MTU int `yaml:"mtu"`
	// MaxChildren is the capacity of the child association table.
	MaxChildren int `yaml:"max_children"`
	// QueueSize is the capacity of the notification queue.
	QueueSize int `yaml:"queue_size"`
	// DeviceType is "ft", "pt" or "ft|pt".
	DeviceType rdaddr.DeviceType `yaml:"device_type"`
	NetworkID  uint32            `yaml:"network_id"`
	// RDID is the long RD ID of this device.
	RDID rdaddr.RDID `yaml:"long_rd_id"`
	// JoinMDNS makes the interface join ff02::fb once associated.
	JoinMDNS bool `yaml:"join_mdns"`
}

// SinkConfig describes the upstream interface of a cluster root.
type SinkConfig struct {
	Enabled bool `yaml:"enabled"`
	// Upstream is a glob over interface names. The first non-loopback
	// match by index is used.
	Upstream string `yaml:"upstream"`
	// RSDelay is the delay before the first router solicitation retry.
	RSDelay time.Duration `yaml:"rs_delay"`
	// RSMaxInterval caps the interval between router solicitations.
	RSMaxInterval time.Duration `yaml:"rs_max_interval"`
	// ResyncInterval is the period of full upstream state re-reads.
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: *logging.DefaultConfig(),
		Mesh: &MeshConfig{
			Interface:   "rd0",
			Stack:       StackNetlink,
			MTU:         1280,
			MaxChildren: 32,
			QueueSize:   256,
			DeviceType:  rdaddr.DeviceTypePT,
		},
		Sink: &SinkConfig{
			Upstream:       "eth*",
			RSDelay:        5 * time.Second,
			RSMaxInterval:  5 * time.Minute,
			ResyncInterval: time.Minute,
		},
		Radio:  udpradio.DefaultConfig(),
		Status: statusapi.DefaultConfig(),
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// To avoid infinite recursion, the validating wrapper casts itself to the
// private config struct. This allows the decoder to operate on it using the
// default behavior for handling Go structs without an unmarshal method.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	err := value.Decode((*config)(m))
	if err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the daemon configuration.
func (m *Config) Validate() error {
	if m.Mesh == nil {
		return fmt.Errorf("mesh is not configured")
	}
	if err := m.Mesh.Validate(); err != nil {
		return err
	}
	if m.Sink == nil {
		return fmt.Errorf("sink is not configured")
	}
	if err := m.Sink.Validate(); err != nil {
		return err
	}
	if m.Sink.Enabled && !m.Mesh.DeviceType.IsRoot() {
		return fmt.Errorf("sink requires an FT device type, got %s", m.Mesh.DeviceType)
	}
	if m.Radio == nil {
		return fmt.Errorf("radio is not configured")
	}
	if err := m.Radio.Validate(); err != nil {
		return err
	}
	if m.Radio.Parent != 0 && m.Mesh.DeviceType.IsRoot() {
		return fmt.Errorf("cluster root cannot have a parent")
	}
	if m.Status == nil {
		return fmt.Errorf("status is not configured")
	}
	return nil
}

func (m *MeshConfig) Validate() error {
	if m.Interface == "" {
		return fmt.Errorf("mesh interface is not configured")
	}
	switch m.Stack {
	case StackNetlink, StackMemory:
	default:
		return fmt.Errorf("unknown mesh stack %q", m.Stack)
	}
	if m.RDID == 0 {
		return fmt.Errorf("mesh long RD ID is not configured")
	}
	if m.DeviceType == 0 {
		return fmt.Errorf("mesh device type is not configured")
	}
	if m.MaxChildren <= 0 {
		return fmt.Errorf("mesh max children must be positive")
	}
	if m.QueueSize <= 0 {
		return fmt.Errorf("mesh queue size must be positive")
	}
	if m.MTU < 1280 {
		return fmt.Errorf("mesh MTU %d is below the IPv6 minimum", m.MTU)
	}
	return nil
}

func (m *SinkConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if _, err := glob.Compile(m.Upstream); err != nil {
		return fmt.Errorf("invalid sink upstream pattern %q: %w", m.Upstream, err)
	}
	if m.RSDelay <= 0 {
		return fmt.Errorf("sink RS delay must be positive")
	}
	if m.RSMaxInterval < m.RSDelay {
		return fmt.Errorf("sink RS max interval must not be below RS delay")
	}
	if m.ResyncInterval <= 0 {
		return fmt.Errorf("sink resync interval must be positive")
	}
	return nil
}
