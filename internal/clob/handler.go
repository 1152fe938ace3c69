package clob

import (
	"log/slog"
	"sync"

	"github.com/malbeclabs/moldbus/internal/bus"
	"github.com/malbeclabs/moldbus/internal/pool"
	"github.com/malbeclabs/moldbus/internal/wire"
)

// Handler is the sequenced consumer that owns every instrument's order
// book. It is installed as the active sequencer's command listener (via
// bus.Server.SetCommandListener) and, on every replica, as an event
// listener (via bus.Server.AddEventListener) so non-active processes keep
// an identical book without re-deciding any match.
type Handler struct {
	log    *slog.Logger
	server *bus.Server

	mu               sync.Mutex
	lastOrderID      uint64
	nextAppID        uint16
	nextInstrumentID uint32
	arrival          uint64
	appNames         map[uint16]string
	books            map[uint32]*Book
	orders           map[uint64]*Order
	orderPool        *pool.Pool[*Order]
}

// NewHandler builds a Handler that stages events through server.
func NewHandler(log *slog.Logger, server *bus.Server) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:              log,
		server:           server,
		nextAppID:        1,
		nextInstrumentID: 1,
		appNames:         make(map[uint16]string),
		books:            make(map[uint32]*Book),
		orders:           make(map[uint64]*Order),
		orderPool: pool.New(func() *Order { return &Order{} }, func(o **Order) { (*o).reset() }),
	}
}

// HandleCommand is registered as the active sequencer's command listener.
// It validates, matches, and stages every resulting event; callers must
// call server.Send() once per inbound command to flush the staged burst.
func (c *Handler) HandleCommand(h wire.Header, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch h.MessageType {
	case wire.MessageTypeHeartbeat, wire.MessageTypeApplicationDiscovery:
		c.stage(h, payload)

	case wire.MessageTypeApplicationDefinition:
		c.handleApplicationDefinition(h, payload)

	case wire.MessageTypeEquityDefinition:
		c.handleEquityDefinition(h, payload)

	case wire.MessageTypeAddOrder:
		c.handleAddOrder(h, payload)

	case wire.MessageTypeCancelOrder:
		c.handleCancelOrder(h, payload)

	default:
		c.log.Warn("clob: dropping command with unhandled message type", "type", h.MessageType)
	}
}

// HandleEvent is registered as an event listener on every replica,
// including the active one (which is also subscribed to its own
// broadcast via Server.Send). It applies already-decided state changes
// without re-validating or re-matching anything. Message types that
// HandleCommand already applied inline on the active process (AddOrder,
// FillOrder, CancelOrder, RejectOrder, RejectCancel) are skipped when
// IsActive() is true, so the active process never reprocesses its own
// echo; ApplicationDefinition and EquityDefinition are idempotent and
// safe to apply either way.
func (c *Handler) HandleEvent(h wire.Header, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch h.MessageType {
	case wire.MessageTypeApplicationDefinition:
		d, err := wire.DecodeApplicationDefinition(payload)
		if err == nil {
			c.appNames[h.ApplicationID] = d.Name
		}

	case wire.MessageTypeEquityDefinition:
		d, err := wire.DecodeEquityDefinition(payload)
		if err == nil {
			if _, ok := c.books[d.InstrumentID]; !ok {
				c.books[d.InstrumentID] = newBook(d.InstrumentID, d.Ticker)
			}
		}

	case wire.MessageTypeAddOrder:
		// The active process already inserted this order inline through
		// HandleCommand; it must not reprocess its own echo.
		if c.server.IsActive() {
			return
		}
		o, err := wire.DecodeAddOrder(payload)
		if err != nil || o.OrderID == 0 {
			return
		}
		c.applyAddOrder(o)

	case wire.MessageTypeFillOrder:
		if c.server.IsActive() {
			return
		}
		f, err := wire.DecodeFillOrder(payload)
		if err == nil {
			c.applyFill(f.OrderID, f.Qty)
		}

	case wire.MessageTypeCancelOrder:
		if c.server.IsActive() {
			return
		}
		cancel, err := wire.DecodeCancelOrder(payload)
		if err == nil {
			c.applyCancel(cancel.OrderID)
		}

	case wire.MessageTypeRejectOrder, wire.MessageTypeRejectCancel:
		// The active process already applied its own reject inline
		// through HandleCommand; it must not reprocess its own echo.
		if c.server.IsActive() {
			return
		}
	}
}

// Dispatch implements udpbus.Dispatcher for a passive replica: messages
// arrive off the wire as the publisher staged them, header and payload
// concatenated, so Dispatch splits them back apart and feeds the result
// through HandleEvent, the same path a local echo takes on the active
// process.
func (c *Handler) Dispatch(seqNum uint64, payload []byte) {
	if len(payload) < wire.HeaderSize {
		c.log.Warn("clob: dropping truncated dispatched message", "seqNum", seqNum)
		return
	}
	h, err := wire.DecodeHeader(payload)
	if err != nil {
		c.log.Warn("clob: dropping malformed dispatched message", "seqNum", seqNum, "error", err)
		return
	}
	c.HandleEvent(h, payload[wire.HeaderSize:])
}

func (c *Handler) handleApplicationDefinition(h wire.Header, payload []byte) {
	d, err := wire.DecodeApplicationDefinition(payload)
	if err != nil || d.Name == "" {
		c.log.Warn("clob: dropping invalid ApplicationDefinition")
		return
	}
	id := c.nextAppID
	c.nextAppID++
	c.appNames[id] = d.Name
	echo := wire.Header{ApplicationID: id, MessageType: wire.MessageTypeApplicationDefinition}
	c.stage(echo, wire.EncodeApplicationDefinition(d))
}

func (c *Handler) handleEquityDefinition(h wire.Header, payload []byte) {
	d, err := wire.DecodeEquityDefinition(payload)
	if err != nil || d.Ticker == "" {
		c.log.Warn("clob: dropping invalid EquityDefinition")
		return
	}
	id := c.nextInstrumentID
	c.nextInstrumentID++
	c.books[id] = newBook(id, d.Ticker)
	d.InstrumentID = id
	c.stage(h, wire.EncodeEquityDefinition(d))
}

func (c *Handler) reject(h wire.Header, msgType wire.MessageType, orderID uint64, reason string) {
	h.MessageType = msgType
	c.stage(h, wire.EncodeRejectOrder(wire.Reject{OrderID: orderID, Reason: reason}))
}

func (c *Handler) handleAddOrder(h wire.Header, payload []byte) {
	req, err := wire.DecodeAddOrder(payload)
	if err != nil {
		c.log.Warn("clob: dropping truncated AddOrder")
		return
	}

	switch {
	case req.Side != wire.SideBuy && req.Side != wire.SideSell:
		c.reject(h, wire.MessageTypeRejectOrder, req.OrderID, "invalid side")
		return
	case req.Qty == 0:
		c.reject(h, wire.MessageTypeRejectOrder, req.OrderID, "invalid qty")
		return
	case req.InstrumentID == 0 || c.books[req.InstrumentID] == nil:
		c.reject(h, wire.MessageTypeRejectOrder, req.OrderID, "invalid instrumentId")
		return
	case req.Price == 0:
		c.reject(h, wire.MessageTypeRejectOrder, req.OrderID, "invalid price")
		return
	}

	c.lastOrderID++
	req.OrderID = c.lastOrderID
	c.stage(h, wire.EncodeAddOrder(req))

	o := c.applyAddOrder(req)
	c.match(h, o)
}

// applyAddOrder inserts a new order (full original qty) into its book and
// records it for cancel/fill lookup. Shared by both the active matcher
// (HandleCommand) and passive replication (HandleEvent).
func (c *Handler) applyAddOrder(req wire.AddOrder) *Order {
	book := c.books[req.InstrumentID]
	if book == nil {
		return nil
	}
	o := c.orderPool.Get()
	o.OrderID = req.OrderID
	o.InstrumentID = req.InstrumentID
	o.Side = req.Side
	o.Qty = req.Qty
	o.Price = req.Price
	c.arrival++
	o.arrival = c.arrival
	book.insert(o)
	c.orders[o.OrderID] = o
	return o
}

// applyFill decrements a tracked order's quantity and removes it from its
// book once exhausted. Shared by the active matcher and passive replicas.
func (c *Handler) applyFill(orderID uint64, qty uint32) {
	o, ok := c.orders[orderID]
	if !ok {
		return
	}
	if qty >= o.Qty {
		o.Qty = 0
	} else {
		o.Qty -= qty
	}
	if o.Qty == 0 {
		if book := c.books[o.InstrumentID]; book != nil {
			book.remove(o)
		}
		delete(c.orders, orderID)
		c.orderPool.Put(o)
	}
}

func (c *Handler) applyCancel(orderID uint64) {
	o, ok := c.orders[orderID]
	if !ok {
		return
	}
	if book := c.books[o.InstrumentID]; book != nil {
		book.remove(o)
	}
	delete(c.orders, orderID)
	c.orderPool.Put(o)
}

// match resolves crossing liquidity against the opposite side of the
// incoming order's book, emitting a FillOrder pair per trade, in the
// order the trades occur, after the accepted AddOrder event has already
// been staged. The aggressor's fill (the incoming order) is staged before
// the resting order's fill, matching the replay order every consumer
// observes on the wire.
func (c *Handler) match(h wire.Header, incoming *Order) {
	if incoming == nil {
		return
	}
	book := c.books[incoming.InstrumentID]
	oppSide := opposite(incoming.Side)

	for incoming.Qty > 0 {
		resting := book.best(oppSide)
		if !crosses(incoming.Side, incoming.Price, resting) {
			break
		}

		tradeQty := resting.Qty
		if incoming.Qty < tradeQty {
			tradeQty = incoming.Qty
		}
		tradePrice := resting.Price

		c.stage(h, wire.EncodeFillOrder(wire.FillOrder{
			OrderID: incoming.OrderID, InstrumentID: incoming.InstrumentID, Qty: tradeQty, Price: tradePrice,
		}))
		c.stage(h, wire.EncodeFillOrder(wire.FillOrder{
			OrderID: resting.OrderID, InstrumentID: resting.InstrumentID, Qty: tradeQty, Price: tradePrice,
		}))

		c.applyFill(resting.OrderID, tradeQty)
		c.applyFill(incoming.OrderID, tradeQty)
	}
}

func (c *Handler) handleCancelOrder(h wire.Header, payload []byte) {
	req, err := wire.DecodeCancelOrder(payload)
	if err != nil {
		c.log.Warn("clob: dropping truncated CancelOrder")
		return
	}

	if _, ok := c.orders[req.OrderID]; !ok {
		if req.OrderID >= 1 && req.OrderID <= c.lastOrderID {
			c.reject(h, wire.MessageTypeRejectCancel, req.OrderID, "too late to cancel")
		} else {
			c.reject(h, wire.MessageTypeRejectCancel, req.OrderID, "unknown order")
		}
		return
	}

	c.applyCancel(req.OrderID)
	c.stage(h, wire.EncodeCancelOrder(req))
}

// stage writes h+payload into the server's staged burst. Callers hold
// c.mu; server staging has its own independent lock.
func (c *Handler) stage(h wire.Header, payload []byte) {
	buf := c.server.Acquire()
	n := wire.HeaderSize + len(payload)
	if n > len(buf) {
		c.log.Warn("clob: dropping oversized message", "type", h.MessageType, "len", n)
		return
	}
	h.Encode(buf)
	copy(buf[wire.HeaderSize:], payload)
	c.server.Commit(n)
}
