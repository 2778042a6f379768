// Package transport carries command datagrams to lidars over UDP.
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lidarops/fwupgrade/pkg/errors"
)

const maxDatagram = 1500

// Handler receives every datagram read by Serve. device is the id the
// sender was last addressed by through Send, or its resolved "ip:port" if it
// never was.
type Handler func(device string, datagram []byte)

// UDP is a single socket shared by every device session.
type UDP struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu    sync.Mutex
	addrs map[string]*net.UDPAddr
	ids   map[string]string // resolved ip:port -> latest device id given to Send
}

// ListenUDP binds addr, for example "0.0.0.0:56000" or ":0".
func ListenUDP(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve local address %s", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	slog.Info("transport_listen", "local_addr", conn.LocalAddr().String())
	return &UDP{
		conn:   conn,
		logger: slog.Default(),
		addrs:  make(map[string]*net.UDPAddr),
		ids:    make(map[string]string),
	}, nil
}

// LocalAddr is the bound address.
func (u *UDP) LocalAddr() string { return u.conn.LocalAddr().String() }

// Send writes one datagram to device.
func (u *UDP) Send(device string, datagram []byte) error {
	addr, err := u.resolve(device)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(datagram, addr); err != nil {
		return errors.Wrapf(err, "send to %s", device)
	}
	return nil
}

func (u *UDP) resolve(device string) (*net.UDPAddr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if addr, ok := u.addrs[device]; ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", device)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve device %s", device)
	}
	u.addrs[device] = addr
	u.ids[addr.String()] = device
	return addr, nil
}

// Canonical resolves device to the "ip:port" form a datagram from it
// arrives with. Two ids naming the same lidar canonicalize to one.
func Canonical(device string) (string, error) {
	addr, err := net.ResolveUDPAddr("udp", device)
	if err != nil {
		return "", errors.Wrapf(err, "resolve device %s", device)
	}
	return addr.String(), nil
}

// deviceID maps a datagram source back to the id Send was called with.
func (u *UDP) deviceID(from *net.UDPAddr) string {
	key := from.String()
	u.mu.Lock()
	defer u.mu.Unlock()
	if id, ok := u.ids[key]; ok {
		return id
	}
	return key
}

// Serve reads datagrams and passes copies to h until ctx is done or the
// socket is closed.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := u.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "read datagram")
		}
		device := u.deviceID(from)
		u.logger.Debug("transport_recv", "device", device, "addr", from.String(), "bytes", n)
		h(device, append([]byte(nil), buf[:n]...))
	}
}

// Close releases the socket.
func (u *UDP) Close() error {
	return u.conn.Close()
}
