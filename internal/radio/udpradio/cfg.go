package udpradio

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

type Config struct {
	// Listen is the UDP endpoint the emulated radio receives frames on.
	Listen string `yaml:"listen"`
	// Peers maps RD IDs of other devices to their UDP endpoints.
	Peers map[rdaddr.RDID]string `yaml:"peers"`
	// Parent is the RD ID this device associates with. Zero means the
	// device only accepts children.
	Parent rdaddr.RDID `yaml:"parent"`
	// MaxFrameSize bounds the payload of a single frame.
	MaxFrameSize datasize.ByteSize `yaml:"max_frame_size"`
	// AssociateInterval is the period of association requests while the
	// parent is not associated.
	AssociateInterval time.Duration `yaml:"associate_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:            "[::1]:7400",
		Peers:             map[rdaddr.RDID]string{},
		MaxFrameSize:      2 * datasize.KB,
		AssociateInterval: time.Second,
	}
}

// Validate validates the radio configuration.
func (m *Config) Validate() error {
	if m.Listen == "" {
		return fmt.Errorf("radio listen endpoint is not configured")
	}
	if m.MaxFrameSize < 1280 {
		return fmt.Errorf("radio max frame size %s is below the IPv6 minimum MTU", m.MaxFrameSize.HR())
	}
	if m.Parent != 0 {
		if _, ok := m.Peers[m.Parent]; !ok {
			return fmt.Errorf("radio parent %s has no peer endpoint", m.Parent)
		}
	}
	if m.AssociateInterval <= 0 {
		return fmt.Errorf("radio associate interval must be positive")
	}
	return nil
}
