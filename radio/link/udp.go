package link

import (
	"crossing/radio/messages"
	"crossing/util/config"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const udpBufferSize = 1024

// UDPConfig places every node of the intersection on its own port,
// BasePort plus its address, on Host.
type UDPConfig struct {
	Host     string
	BasePort int
	Nodes    []config.Address
}

func (c UDPConfig) endpoint(addr config.Address) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Host), Port: c.BasePort + int(addr)}
}

// UDP emulates the radio with datagrams. Unicast frames go to the
// destination only; broadcast frames are sent to every other node.
type UDP struct {
	addr   config.Address
	cfg    UDPConfig
	conn   *net.UDPConn
	rx     chan Frame
	logger hclog.Logger

	closeOnce sync.Once
}

func ListenUDP(addr config.Address, cfg UDPConfig, logger hclog.Logger) (*UDP, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = config.DEFAULT_RADIO_PORT
	}
	conn, err := net.ListenUDP("udp", cfg.endpoint(addr))
	if err != nil {
		return nil, fmt.Errorf("listen for node %v: %w", addr, err)
	}
	u := &UDP{
		addr:   addr,
		cfg:    cfg,
		conn:   conn,
		rx:     make(chan Frame, simQueueSize),
		logger: logger.Named("udp"),
	}
	go u.receiver()
	return u, nil
}

func (u *UDP) Addr() config.Address {
	return u.addr
}

func (u *UDP) Transmit(f Frame) error {
	f.Src = u.addr
	buf, err := messages.Marshal(f)
	if err != nil {
		return err
	}
	if f.Kind != BroadcastFrame {
		return u.send(buf, f.Dst)
	}
	var errs []error
	for _, dst := range u.cfg.Nodes {
		if dst == u.addr {
			continue
		}
		errs = append(errs, u.send(buf, dst))
	}
	return errors.Join(errs...)
}

func (u *UDP) send(buf []byte, dst config.Address) error {
	if _, err := u.conn.WriteToUDP(buf, u.cfg.endpoint(dst)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("send to %v: %w", dst, err)
	}
	return nil
}

func (u *UDP) Frames() <-chan Frame {
	return u.rx
}

func (u *UDP) receiver() {
	defer close(u.rx)
	buf := make([]byte, udpBufferSize)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.logger.Error("receive failed", "error", err)
			}
			return
		}
		var f Frame
		if err := messages.Unmarshal(buf[:n], &f); err != nil {
			u.logger.Debug("dropping undecodable datagram", "error", err)
			continue
		}
		if !accepts(u.addr, f) {
			continue
		}
		select {
		case u.rx <- f:
		default:
			u.logger.Debug("receive queue full, frame lost", "from", f.Src)
		}
	}
}

func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
	})
	return err
}
