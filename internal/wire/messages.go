package wire

import (
	"encoding/binary"
	"fmt"
)

// Side is the buy/sell side of an order.
type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// AddOrder is the payload (header stripped) of both an AddOrder command
// and its validated event echo. OrderID is 0 on the inbound command; the
// handler assigns it before re-emitting.
type AddOrder struct {
	OrderID      uint64
	InstrumentID uint32
	Side         Side
	Qty          uint32
	Price        uint32
}

// EncodeAddOrder writes an AddOrder payload.
func EncodeAddOrder(o AddOrder) []byte {
	buf := make([]byte, 21)
	binary.BigEndian.PutUint64(buf[0:8], o.OrderID)
	binary.BigEndian.PutUint32(buf[8:12], o.InstrumentID)
	buf[12] = uint8(o.Side)
	binary.BigEndian.PutUint32(buf[13:17], o.Qty)
	binary.BigEndian.PutUint32(buf[17:21], o.Price)
	return buf
}

// DecodeAddOrder parses an AddOrder payload.
func DecodeAddOrder(src []byte) (AddOrder, error) {
	if len(src) < 21 {
		return AddOrder{}, fmt.Errorf("wire: AddOrder payload truncated: %d bytes", len(src))
	}
	return AddOrder{
		OrderID:      binary.BigEndian.Uint64(src[0:8]),
		InstrumentID: binary.BigEndian.Uint32(src[8:12]),
		Side:         Side(src[12]),
		Qty:          binary.BigEndian.Uint32(src[13:17]),
		Price:        binary.BigEndian.Uint32(src[17:21]),
	}, nil
}

// CancelOrder is the payload of a cancel command and its validated echo.
type CancelOrder struct {
	OrderID uint64
}

func EncodeCancelOrder(c CancelOrder) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, c.OrderID)
	return buf
}

func DecodeCancelOrder(src []byte) (CancelOrder, error) {
	if len(src) < 8 {
		return CancelOrder{}, fmt.Errorf("wire: CancelOrder payload truncated: %d bytes", len(src))
	}
	return CancelOrder{OrderID: binary.BigEndian.Uint64(src)}, nil
}

// FillOrder is emitted once per side of a match.
type FillOrder struct {
	OrderID      uint64
	InstrumentID uint32
	Qty          uint32
	Price        uint32
}

func EncodeFillOrder(f FillOrder) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], f.OrderID)
	binary.BigEndian.PutUint32(buf[8:12], f.InstrumentID)
	binary.BigEndian.PutUint32(buf[12:16], f.Qty)
	binary.BigEndian.PutUint32(buf[16:20], f.Price)
	return buf
}

func DecodeFillOrder(src []byte) (FillOrder, error) {
	if len(src) < 20 {
		return FillOrder{}, fmt.Errorf("wire: FillOrder payload truncated: %d bytes", len(src))
	}
	return FillOrder{
		OrderID:      binary.BigEndian.Uint64(src[0:8]),
		InstrumentID: binary.BigEndian.Uint32(src[8:12]),
		Qty:          binary.BigEndian.Uint32(src[12:16]),
		Price:        binary.BigEndian.Uint32(src[16:20]),
	}, nil
}

// RejectOrder/RejectCancel carry a human-readable reason alongside the
// order_id the reject applies to (0 if no id had been assigned yet).
type Reject struct {
	OrderID uint64
	Reason  string
}

func encodeReject(r Reject) []byte {
	reason := []byte(r.Reason)
	buf := make([]byte, 8+2+len(reason))
	binary.BigEndian.PutUint64(buf[0:8], r.OrderID)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(reason)))
	copy(buf[10:], reason)
	return buf
}

func decodeReject(src []byte) (Reject, error) {
	if len(src) < 10 {
		return Reject{}, fmt.Errorf("wire: reject payload truncated: %d bytes", len(src))
	}
	n := int(binary.BigEndian.Uint16(src[8:10]))
	if len(src) < 10+n {
		return Reject{}, fmt.Errorf("wire: reject reason truncated: want %d bytes", n)
	}
	return Reject{OrderID: binary.BigEndian.Uint64(src[0:8]), Reason: string(src[10 : 10+n])}, nil
}

func EncodeRejectOrder(r Reject) []byte  { return encodeReject(r) }
func DecodeRejectOrder(src []byte) (Reject, error)  { return decodeReject(src) }
func EncodeRejectCancel(r Reject) []byte { return encodeReject(r) }
func DecodeRejectCancel(src []byte) (Reject, error) { return decodeReject(src) }

// ApplicationDefinition requests (or, on echo, confirms) registration of
// an application under a human-readable name.
type ApplicationDefinition struct {
	Name string
}

func EncodeApplicationDefinition(d ApplicationDefinition) []byte {
	name := []byte(d.Name)
	buf := make([]byte, 2+len(name))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(name)))
	copy(buf[2:], name)
	return buf
}

func DecodeApplicationDefinition(src []byte) (ApplicationDefinition, error) {
	if len(src) < 2 {
		return ApplicationDefinition{}, fmt.Errorf("wire: ApplicationDefinition truncated")
	}
	n := int(binary.BigEndian.Uint16(src[0:2]))
	if len(src) < 2+n {
		return ApplicationDefinition{}, fmt.Errorf("wire: ApplicationDefinition name truncated")
	}
	return ApplicationDefinition{Name: string(src[2 : 2+n])}, nil
}

// ApplicationDiscoveryStatus distinguishes an application coming up from
// going down.
type ApplicationDiscoveryStatus uint8

const (
	ApplicationUp   ApplicationDiscoveryStatus = 1
	ApplicationDown ApplicationDiscoveryStatus = 2
)

type ApplicationDiscovery struct {
	Status ApplicationDiscoveryStatus
}

func EncodeApplicationDiscovery(d ApplicationDiscovery) []byte {
	return []byte{uint8(d.Status)}
}

func DecodeApplicationDiscovery(src []byte) (ApplicationDiscovery, error) {
	if len(src) < 1 {
		return ApplicationDiscovery{}, fmt.Errorf("wire: ApplicationDiscovery truncated")
	}
	return ApplicationDiscovery{Status: ApplicationDiscoveryStatus(src[0])}, nil
}

// EquityDefinition requests (or, on echo, confirms) registration of a
// tradeable instrument under a ticker.
type EquityDefinition struct {
	InstrumentID uint32
	Ticker       string
}

func EncodeEquityDefinition(d EquityDefinition) []byte {
	ticker := []byte(d.Ticker)
	buf := make([]byte, 4+2+len(ticker))
	binary.BigEndian.PutUint32(buf[0:4], d.InstrumentID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(ticker)))
	copy(buf[6:], ticker)
	return buf
}

func DecodeEquityDefinition(src []byte) (EquityDefinition, error) {
	if len(src) < 6 {
		return EquityDefinition{}, fmt.Errorf("wire: EquityDefinition truncated")
	}
	n := int(binary.BigEndian.Uint16(src[4:6]))
	if len(src) < 6+n {
		return EquityDefinition{}, fmt.Errorf("wire: EquityDefinition ticker truncated")
	}
	return EquityDefinition{
		InstrumentID: binary.BigEndian.Uint32(src[0:4]),
		Ticker:       string(src[6 : 6+n]),
	}, nil
}
