// Package wire implements the fixed binary layouts that cross process
// boundaries: the per-message header every event carries, and the
// MoldUDP64-style frame that packages one or more messages for a single
// UDP datagram or TCP rewind stream.
//
// Layouts are fixed and big-endian throughout (see SPEC_FULL.md, the
// endianness Open Question is resolved in favor of the wire diagram's own
// big-endian field annotations), so the store and the wire agree bit for
// bit regardless of host byte order.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length, in bytes, of the message header that
// prefixes every event payload.
const HeaderSize = 18

// MessageType identifies the shape of the bytes that follow a Header.
type MessageType uint8

const (
	MessageTypeHeartbeat              MessageType = 0
	MessageTypeApplicationDefinition   MessageType = 1
	MessageTypeApplicationDiscovery    MessageType = 2
	MessageTypeEquityDefinition        MessageType = 3
	MessageTypeAddOrder                MessageType = 4
	MessageTypeCancelOrder             MessageType = 5
	MessageTypeRejectOrder             MessageType = 6
	MessageTypeRejectCancel            MessageType = 7
	MessageTypeFillOrder               MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHeartbeat:
		return "Heartbeat"
	case MessageTypeApplicationDefinition:
		return "ApplicationDefinition"
	case MessageTypeApplicationDiscovery:
		return "ApplicationDiscovery"
	case MessageTypeEquityDefinition:
		return "EquityDefinition"
	case MessageTypeAddOrder:
		return "AddOrder"
	case MessageTypeCancelOrder:
		return "CancelOrder"
	case MessageTypeRejectOrder:
		return "RejectOrder"
	case MessageTypeRejectCancel:
		return "RejectCancel"
	case MessageTypeFillOrder:
		return "FillOrder"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// SchemaVersion is the single version byte carried by every header; the
// system has no schema-evolution story beyond it (spec.md Non-goals).
const SchemaVersion uint8 = 1

// UnboundApplicationID is the sentinel application_id for a payload whose
// producer has not yet been assigned an id by the sequencer.
const UnboundApplicationID uint16 = 0

// Header is the fixed 18-byte prefix of every event payload.
type Header struct {
	ApplicationID       uint16
	ApplicationSeqNum    uint32
	TimestampNS          uint64
	OptionalFieldsIndex uint16
	SchemaVersion        uint8
	MessageType          MessageType
}

// Encode writes the header, big-endian, into dst[:HeaderSize]. It panics if
// dst is shorter than HeaderSize, matching the single-owner scratch-buffer
// contract every caller in this package relies on.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint16(dst[0:2], h.ApplicationID)
	binary.BigEndian.PutUint32(dst[2:6], h.ApplicationSeqNum)
	binary.BigEndian.PutUint64(dst[6:14], h.TimestampNS)
	binary.BigEndian.PutUint16(dst[14:16], h.OptionalFieldsIndex)
	dst[16] = h.SchemaVersion
	dst[17] = uint8(h.MessageType)
}

// DecodeHeader parses a Header from the front of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header truncated: %d bytes (need %d)", len(src), HeaderSize)
	}
	return Header{
		ApplicationID:       binary.BigEndian.Uint16(src[0:2]),
		ApplicationSeqNum:   binary.BigEndian.Uint32(src[2:6]),
		TimestampNS:         binary.BigEndian.Uint64(src[6:14]),
		OptionalFieldsIndex: binary.BigEndian.Uint16(src[14:16]),
		SchemaVersion:       src[16],
		MessageType:         MessageType(src[17]),
	}, nil
}
