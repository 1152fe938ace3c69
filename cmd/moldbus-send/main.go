// moldbus-send is a test producer: it dials the active sequencer's TCP
// command intake and emits an ApplicationDefinition, an EquityDefinition,
// then a burst of AddOrder commands at a fixed interval, the way
// mcastrelay's testsender drove a multicast group with synthetic traffic.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/moldbus/internal/bus"
	"github.com/malbeclabs/moldbus/internal/wire"
)

func main() {
	addr := flag.StringP("addr", "a", "localhost:7002", "Command intake address (host:port)")
	ticker := flag.StringP("ticker", "t", "ACME", "Ticker to define and trade")
	count := flag.IntP("count", "c", 10, "Number of AddOrder commands to send")
	interval := flag.Duration("interval", 100*time.Millisecond, "Interval between commands")
	appName := flag.String("app-name", "moldbus-send", "Application name to register")
	flag.Parse()

	if err := run(*addr, *ticker, *count, *interval, *appName); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(addr, ticker string, count int, interval time.Duration, appName string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	fmt.Printf("connected to %s\n", addr)

	appDefFrame := bus.EncodeCommandFrame(
		wire.Header{MessageType: wire.MessageTypeApplicationDefinition},
		wire.EncodeApplicationDefinition(wire.ApplicationDefinition{Name: appName}),
	)
	if _, err := conn.Write(appDefFrame); err != nil {
		return fmt.Errorf("send ApplicationDefinition: %w", err)
	}
	fmt.Printf("sent ApplicationDefinition name=%s\n", appName)

	equityFrame := bus.EncodeCommandFrame(
		wire.Header{MessageType: wire.MessageTypeEquityDefinition},
		wire.EncodeEquityDefinition(wire.EquityDefinition{Ticker: ticker}),
	)
	if _, err := conn.Write(equityFrame); err != nil {
		return fmt.Errorf("send EquityDefinition: %w", err)
	}
	fmt.Printf("sent EquityDefinition ticker=%s\n", ticker)

	time.Sleep(interval)

	// Instrument IDs are assigned by the sequencer, starting at 1; a
	// single-instrument test producer can assume this one is 1.
	const instrumentID = 1
	price := uint32(100)

	for i := 0; i < count; i++ {
		side := wire.SideBuy
		if i%2 == 1 {
			side = wire.SideSell
		}

		order := wire.AddOrder{
			InstrumentID: instrumentID,
			Side:         side,
			Qty:          uint32(1 + i%5),
			Price:        price,
		}
		frame := bus.EncodeCommandFrame(wire.Header{MessageType: wire.MessageTypeAddOrder}, wire.EncodeAddOrder(order))
		if _, err := conn.Write(frame); err != nil {
			return fmt.Errorf("send AddOrder %d: %w", i, err)
		}
		fmt.Printf("sent AddOrder #%d side=%d qty=%d price=%d\n", i+1, order.Side, order.Qty, order.Price)

		time.Sleep(interval)
	}

	fmt.Println("done")
	return nil
}
