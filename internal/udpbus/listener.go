package udpbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// FrameReceiver is satisfied by Subscriber: every datagram read off the
// multicast group is decoded into a frame header plus its messages and
// handed over in arrival order. A passive replica's heartbeat frames also
// flow through HandleFrame, which already ignores them.
type FrameReceiver interface {
	HandleFrame(h wire.FrameHeader, messages [][]byte)
}

// Listener joins a UDP multicast group and decodes each datagram into a
// Mold-style event frame for a FrameReceiver, with no message-type
// awareness of its own.
type Listener struct {
	log           *slog.Logger
	multicastIP   net.IP
	port          int
	interfaceName string
	bufferSize    int
	readTimeout   time.Duration
	receiver      FrameReceiver
}

// ListenerConfig configures NewListener; zero values fall back to the
// defaults a high-throughput event stream needs.
type ListenerConfig struct {
	MulticastIP   string
	Port          int
	InterfaceName string
	BufferSize    int
	ReadTimeout   time.Duration
}

// NewListener builds a Listener that feeds decoded frames to receiver.
func NewListener(log *slog.Logger, cfg ListenerConfig, receiver FrameReceiver) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ip := net.ParseIP(cfg.MulticastIP)
	if ip == nil {
		return nil, fmt.Errorf("udpbus: invalid multicast IP: %s", cfg.MulticastIP)
	}
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("udpbus: IP %s is not a multicast address", cfg.MulticastIP)
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 65535
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 250 * time.Millisecond
	}

	return &Listener{
		log:           log,
		multicastIP:   ip,
		port:          cfg.Port,
		interfaceName: cfg.InterfaceName,
		bufferSize:    bufferSize,
		readTimeout:   readTimeout,
		receiver:      receiver,
	}, nil
}

// Run joins the multicast group and decodes datagrams until ctx is
// cancelled. It blocks, so callers run it on its own goroutine.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := l.createConnection()
	if err != nil {
		return fmt.Errorf("udpbus: create multicast connection: %w", err)
	}
	defer conn.Close()

	l.log.Info("udpbus: multicast listener started", "multicast_ip", l.multicastIP.String(), "port", l.port)

	buf := make([]byte, l.bufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			l.log.Error("udpbus: set read deadline failed", "error", err)
			continue
		}

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Error("udpbus: read multicast packet failed", "error", err)
			continue
		}

		l.decode(buf[:n])
	}
}

func (l *Listener) decode(data []byte) {
	h, err := wire.DecodeFrameHeader(data)
	if err != nil {
		l.log.Warn("udpbus: dropping truncated frame", "error", err)
		return
	}
	if h.IsHeartbeat() {
		l.receiver.HandleFrame(h, nil)
		return
	}

	msgs, err := wire.DecodeMessages(data[wire.FrameHeaderSize:], h.MessageCount)
	if err != nil {
		l.log.Warn("udpbus: dropping malformed frame", "error", err)
		return
	}
	l.receiver.HandleFrame(h, msgs)
}

func (l *Listener) createConnection() (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: l.multicastIP, Port: l.port}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	p := ipv4.NewPacketConn(conn)

	var ifi *net.Interface
	if l.interfaceName != "" {
		ifi, err = net.InterfaceByName(l.interfaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("interface %s: %w", l.interfaceName, err)
		}
	}

	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: l.multicastIP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join multicast group: %w", err)
	}

	if err := p.SetControlMessage(ipv4.FlagDst, true); err != nil {
		l.log.Warn("udpbus: set control message failed", "error", err)
	}

	return conn, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
