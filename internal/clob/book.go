// Package clob implements the canonical sequenced consumer of spec.md
// §4.10: a price-time priority limit order book that validates AddOrder
// and CancelOrder commands, matches crossing orders, and emits fills or
// rejects in-band with the rest of the event stream.
package clob

import "github.com/malbeclabs/moldbus/internal/wire"

// Order is one resting (or just-arrived) order. Orders are recycled
// through a pool.Pool rather than left for the garbage collector, per
// spec.md's REDESIGN FLAGS direction away from an intrusive linked list
// toward pooled entries held by pointer in per-side sorted slices.
type Order struct {
	OrderID      uint64
	InstrumentID uint32
	Side         wire.Side
	Qty          uint32
	Price        uint32
	arrival      uint64 // monotonic arrival counter, for time priority within a price level
}

func (o *Order) reset() {
	*o = Order{}
}

// Book holds the resting bid and ask sides for one instrument, each kept
// sorted in price-time priority: bids descending by price then ascending
// by arrival, asks ascending by price then ascending by arrival.
type Book struct {
	InstrumentID uint32
	Ticker       string
	bids         []*Order
	asks         []*Order
}

func newBook(instrumentID uint32, ticker string) *Book {
	return &Book{InstrumentID: instrumentID, Ticker: ticker}
}

func (b *Book) side(s wire.Side) *[]*Order {
	if s == wire.SideBuy {
		return &b.bids
	}
	return &b.asks
}

// insert places o into its side's slice at the position price-time
// priority dictates.
func (b *Book) insert(o *Order) {
	side := b.side(o.Side)
	i := 0
	for i < len(*side) {
		better := false
		if o.Side == wire.SideBuy {
			better = (*side)[i].Price < o.Price
		} else {
			better = (*side)[i].Price > o.Price
		}
		if better {
			break
		}
		i++
	}
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = o
}

// remove deletes o from its side's slice. It is a no-op if o isn't present.
func (b *Book) remove(o *Order) {
	side := b.side(o.Side)
	for i, e := range *side {
		if e == o {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return
		}
	}
}

// best returns the top-of-book order for side, or nil if empty.
func (b *Book) best(s wire.Side) *Order {
	side := b.side(s)
	if len(*side) == 0 {
		return nil
	}
	return (*side)[0]
}

// crosses reports whether a resting order on the opposite side of
// incoming would trade against it immediately.
func crosses(incomingSide wire.Side, incomingPrice uint32, resting *Order) bool {
	if resting == nil {
		return false
	}
	if incomingSide == wire.SideBuy {
		return incomingPrice >= resting.Price
	}
	return incomingPrice <= resting.Price
}

func opposite(s wire.Side) wire.Side {
	if s == wire.SideBuy {
		return wire.SideSell
	}
	return wire.SideBuy
}
