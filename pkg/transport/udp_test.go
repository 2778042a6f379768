package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lidarops/fwupgrade/pkg/dispatch"
	"github.com/lidarops/fwupgrade/pkg/protocol"
)

func TestUDPRoundTrip(t *testing.T) {
	host, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen host: %v", err)
	}
	defer host.Close()

	lidar, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen lidar: %v", err)
	}
	defer lidar.Close()

	type datagram struct {
		from string
		data []byte
	}
	got := make(chan datagram, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lidar.Serve(ctx, func(device string, d []byte) {
		got <- datagram{device, d}
	})

	if err := host.Send(lidar.LocalAddr(), []byte{0xAA, 0x01}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case d := <-got:
		if d.from != host.LocalAddr() {
			t.Errorf("from = %s, want %s", d.from, host.LocalAddr())
		}
		if len(d.data) != 2 || d.data[0] != 0xAA {
			t.Errorf("data = % x", d.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestServeReportsHostnameID(t *testing.T) {
	host, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen host: %v", err)
	}
	defer host.Close()

	lidar, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen lidar: %v", err)
	}
	defer lidar.Close()

	_, port, err := net.SplitHostPort(lidar.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	device := net.JoinHostPort("localhost", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lidar.Serve(ctx, func(from string, d []byte) {
		_ = lidar.Send(from, d)
	})

	got := make(chan string, 1)
	go host.Serve(ctx, func(from string, _ []byte) {
		got <- from
	})

	if err := host.Send(device, []byte{0x01}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case from := <-got:
		if from != device {
			t.Errorf("reply reported as %s, want %s", from, device)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestDispatcherAckFromHostname(t *testing.T) {
	host, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen host: %v", err)
	}
	defer host.Close()

	lidar, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen lidar: %v", err)
	}
	defer lidar.Close()

	_, port, err := net.SplitHostPort(lidar.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	device := net.JoinHostPort("localhost", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var codec protocol.Codec
	go lidar.Serve(ctx, func(from string, raw []byte) {
		req, err := codec.Decode(raw)
		if err != nil || req.Type != protocol.CmdRequest {
			return
		}
		ack, err := codec.Encode(protocol.Frame{
			Seq:    req.Seq,
			CmdID:  req.CmdID,
			Type:   protocol.CmdAck,
			Sender: protocol.SenderLidar,
		})
		if err != nil {
			return
		}
		_ = lidar.Send(from, ack)
	})

	d := dispatch.New(host)
	go host.Serve(ctx, d.OnIncoming)
	go d.Run(ctx, 10*time.Millisecond)

	done := make(chan error, 1)
	if _, err := d.Send(device, 0x0200, nil, time.Second, func(r dispatch.Response, err error) {
		if err == nil && r.Device != device {
			t.Errorf("response device = %s, want %s", r.Device, device)
		}
		done <- err
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("callback err = %v, want ack", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestCanonical(t *testing.T) {
	for _, tt := range []struct {
		in, want string
	}{
		{"127.0.0.1:65000", "127.0.0.1:65000"},
		{"localhost:65000", "127.0.0.1:65000"},
	} {
		got, err := Canonical(tt.in)
		if err != nil {
			t.Fatalf("Canonical(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Canonical(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := Canonical("not an address"); err == nil {
		t.Error("expected resolve error")
	}
}

func TestSendBadAddress(t *testing.T) {
	u, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	if err := u.Send("not an address", []byte{1}); err == nil {
		t.Error("expected resolve error")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	u, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- u.Serve(ctx, func(string, []byte) {}) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}
