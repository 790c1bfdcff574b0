package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var (
	// ErrPingUnavailable means ICMP echo cannot be used from this process,
	// usually because unprivileged ICMP sockets are disabled.
	ErrPingUnavailable = errors.New("icmp echo unavailable")
	// ErrNoReply means the echo request went unanswered before the deadline.
	ErrNoReply = errors.New("no echo reply")
)

// Pinger sends a single echo request and waits for the reply.
type Pinger interface {
	Ping(ctx context.Context, address string) (time.Duration, error)
}

const protocolICMP = 1

// ICMPPinger pings over an unprivileged ("udp4") ICMP socket.
// On Linux this requires net.ipv4.ping_group_range to include the process group.
type ICMPPinger struct {
	seq atomic.Uint32
}

// NewICMPPinger returns a Pinger backed by golang.org/x/net/icmp.
func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{}
}

// Ping implements Pinger.
func (p *ICMPPinger) Ping(ctx context.Context, address string) (time.Duration, error) {
	ip, err := resolveIPv4(ctx, address)
	if err != nil {
		return 0, err
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPingUnavailable, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrPingUnavailable, err)
		}
	}
	// Unblock ReadFrom when the caller cancels without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) }) //nolint:errcheck
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: []byte("lockr-probe")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshalling echo: %w", err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: ip}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPingUnavailable, err)
	}

	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, ErrNoReply
			}
			return 0, fmt.Errorf("reading echo reply: %w", err)
		}
		rm, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || rm.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if ua, ok := peer.(*net.UDPAddr); ok && !ua.IP.Equal(ip) {
			continue
		}
		// The kernel rewrites the echo ID on datagram sockets, so only the
		// sequence number identifies our reply.
		if echo, ok := rm.Body.(*icmp.Echo); ok && echo.Seq != seq {
			continue
		}
		return time.Since(start), nil
	}
}

func resolveIPv4(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrPingUnavailable, address)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", address, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no IPv4 address", ErrPingUnavailable, address)
}
