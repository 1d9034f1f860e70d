// Package tundev exposes a cluster interface to the kernel as a TUN device,
// so that the kernel IPv6 stack sends through and receives from the mesh.
package tundev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdmesh/rdmesh/internal/forward"
	"github.com/rdmesh/rdmesh/internal/packet"
)

// Sender takes datagrams the kernel sent into the device.
type Sender interface {
	Send(ctx context.Context, p *packet.Packet) (int, error)
}

// Option is a function that configures the device.
type Option func(*options)

// WithLog configures the device with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithMTU sets the device MTU.
func WithMTU(mtu int) Option {
	return func(o *options) {
		o.MTU = mtu
	}
}

type options struct {
	Log *zap.SugaredLogger
	MTU int
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
		MTU: 1280,
	}
}

// Device is a TUN device carrying raw IPv6 datagrams.
type Device struct {
	name string
	rw   io.ReadWriteCloser
	link netlink.Link
	mtu  int
	log  *zap.SugaredLogger
}

func tuntapLink(name string, mtu int) *netlink.Tuntap {
	return &netlink.Tuntap{
		LinkAttrs:  netlink.LinkAttrs{Name: name, MTU: mtu},
		Mode:       netlink.TUNTAP_MODE_TUN,
		Flags:      netlink.TUNTAP_NO_PI | netlink.TUNTAP_ONE_QUEUE,
		Queues:     1,
		NonPersist: true,
	}
}

// Open creates the named TUN device and brings it up.
func Open(name string, options ...Option) (*Device, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	link := tuntapLink(name, opts.MTU)
	if err := netlink.LinkAdd(link); err != nil {
		return nil, fmt.Errorf("failed to create TUN device %q: %w", name, err)
	}
	if len(link.Fds) == 0 {
		_ = netlink.LinkDel(link)
		return nil, fmt.Errorf("TUN device %q has no queues", name)
	}

	if err := netlink.LinkSetMTU(link, opts.MTU); err != nil {
		closeFds(link.Fds)
		_ = netlink.LinkDel(link)
		return nil, fmt.Errorf("failed to set MTU on %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		closeFds(link.Fds)
		_ = netlink.LinkDel(link)
		return nil, fmt.Errorf("failed to bring %q up: %w", name, err)
	}

	closeFds(link.Fds[1:])

	return newDevice(name, link.Fds[0], link, opts), nil
}

func newDevice(name string, rw io.ReadWriteCloser, link netlink.Link, opts *options) *Device {
	return &Device{
		name: name,
		rw:   rw,
		link: link,
		mtu:  opts.MTU,
		log:  opts.Log.With(zap.String("tun", name)),
	}
}

func closeFds(fds []*os.File) {
	for _, fd := range fds {
		_ = fd.Close()
	}
}

// Name returns the device name.
func (m *Device) Name() string {
	return m.name
}

// Run reads datagrams from the kernel and hands them to the sender until
// the context is canceled.
func (m *Device) Run(ctx context.Context, sender Sender) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.runRead(ctx, sender)
	})
	wg.Go(func() error {
		<-ctx.Done()
		return m.rw.Close()
	})
	return wg.Wait()
}

func (m *Device) runRead(ctx context.Context, sender Sender) error {
	buf := make([]byte, m.mtu)

	for {
		n, err := m.rw.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read from TUN device: %w", err)
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if _, err := sender.Send(ctx, packet.New(data)); err != nil {
			if errors.Is(err, forward.ErrNoRoute) {
				m.log.Debugw("dropping datagram", zap.Error(err))
				continue
			}
			m.log.Warnw("failed to send datagram", zap.Error(err))
		}
	}
}

// Deliver writes a received IPv6 datagram to the kernel.
func (m *Device) Deliver(p *packet.Packet) {
	if p.Family != packet.FamilyIPv6 {
		return
	}
	if _, err := m.rw.Write(p.Data); err != nil {
		m.log.Warnw("failed to deliver datagram", zap.Error(err))
	}
}

// Close removes the device.
func (m *Device) Close() error {
	err := m.rw.Close()
	if m.link != nil {
		if delErr := netlink.LinkDel(m.link); delErr != nil {
			return fmt.Errorf("failed to delete TUN device %q: %w", m.name, delErr)
		}
	}
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
