package bus

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// EncodeCommandFrame wraps one already-header-stamped command message with
// a u16 length prefix, the same {length, payload} shape the message store
// and the TCP rewinder already use on the wire.
func EncodeCommandFrame(header wire.Header, payload []byte) []byte {
	body := make([]byte, wire.HeaderSize+len(payload))
	header.Encode(body)
	copy(body[wire.HeaderSize:], payload)

	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(body)))
	copy(frame[2:], body)
	return frame
}

// TCPCommandListener accepts plain TCP connections from application
// clients that are not sharing this process (e.g. a standalone test
// producer) and feeds each length-prefixed {Header, payload} frame
// straight into Server.DispatchCommand, the same entry point a
// same-process bus.Provider uses through LocalSender.
type TCPCommandListener struct {
	log    *slog.Logger
	server *Server
}

// NewTCPCommandListener builds a listener that dispatches decoded commands
// into server.
func NewTCPCommandListener(log *slog.Logger, server *Server) *TCPCommandListener {
	if log == nil {
		log = slog.Default()
	}
	return &TCPCommandListener{log: log, server: server}
}

// Serve accepts connections on ln until it is closed, handling each on its
// own goroutine; every command still lands on Server.DispatchCommand, so
// ordering across connections is whatever DispatchCommand itself imposes.
func (l *TCPCommandListener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

func (l *TCPCommandListener) handle(conn net.Conn) {
	defer conn.Close()
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		h, err := wire.DecodeHeader(body)
		if err != nil {
			l.log.Warn("bus: dropping malformed command frame", "error", err)
			continue
		}
		l.server.DispatchCommand(h, body[wire.HeaderSize:])
	}
}
