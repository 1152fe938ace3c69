// moldbus-client is a read-only viewer: it joins the UDP multicast event
// stream, rewinds over TCP to close any gap, and prints a running tally of
// messages seen per type plus, per instrument, the price of the most
// recent buy and sell AddOrder event (not the best resting price: fills
// and cancels do not change it) and fill count and volume, the way
// mcastrelay-client tallied decoded shreds off its gRPC stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/moldbus/internal/rewind"
	"github.com/malbeclabs/moldbus/internal/udpbus"
	"github.com/malbeclabs/moldbus/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	MulticastGroup     string
	MulticastPort      int
	MulticastInterface string
	RewindAddr         string
	Verbose            bool
	ShowVersion        bool
	MaxMessages        int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if f.ShowVersion {
		fmt.Printf("moldbus-client version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(f.Verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	tally := &tally{instruments: make(map[uint32]*instrumentStats), maxMessages: f.MaxMessages, done: cancel}

	slot := &frameHandlerSlot{}
	rewindClient := rewind.NewClient(log.With("component", "rewind-client"), f.RewindAddr, slot)
	sub := udpbus.NewSubscriber(log.With("component", "subscriber"), tally, rewindClient)
	slot.set(sub)

	listener, err := udpbus.NewListener(log.With("component", "multicast"), udpbus.ListenerConfig{
		MulticastIP:   f.MulticastGroup,
		Port:          f.MulticastPort,
		InterfaceName: f.MulticastInterface,
	}, sub)
	if err != nil {
		return fmt.Errorf("multicast listener: %w", err)
	}

	log.Info("moldbus-client started", "multicast_group", f.MulticastGroup, "multicast_port", f.MulticastPort, "rewind_addr", f.RewindAddr)

	if err := listener.Run(ctx); err != nil && err != context.Canceled {
		return err
	}

	fmt.Println()
	tally.print()
	return nil
}

// frameHandlerSlot breaks the construction cycle between rewind.Client
// (needs a FrameHandler) and udpbus.Subscriber (needs a Rewinder, which
// the Client implements).
type frameHandlerSlot struct {
	mu sync.Mutex
	h  rewind.FrameHandler
}

func (s *frameHandlerSlot) set(h rewind.FrameHandler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *frameHandlerSlot) HandleFrame(h wire.FrameHeader, messages [][]byte) {
	s.mu.Lock()
	next := s.h
	s.mu.Unlock()
	if next != nil {
		next.HandleFrame(h, messages)
	}
}

type instrumentStats struct {
	ticker     string
	bestBid    uint32
	bestAsk    uint32
	fills      int
	fillVolume uint64
}

type tally struct {
	mu sync.Mutex

	total       int
	byType      map[wire.MessageType]int
	instruments map[uint32]*instrumentStats
	maxMessages int
	done        func()
}

// Dispatch implements udpbus.Dispatcher.
func (t *tally) Dispatch(seqNum uint64, payload []byte) {
	if len(payload) < wire.HeaderSize {
		return
	}
	h, err := wire.DecodeHeader(payload)
	if err != nil {
		return
	}
	body := payload[wire.HeaderSize:]

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	if t.byType == nil {
		t.byType = make(map[wire.MessageType]int)
	}
	t.byType[h.MessageType]++

	switch h.MessageType {
	case wire.MessageTypeEquityDefinition:
		if d, err := wire.DecodeEquityDefinition(body); err == nil {
			t.instruments[d.InstrumentID] = &instrumentStats{ticker: d.Ticker}
		}
	case wire.MessageTypeAddOrder:
		if o, err := wire.DecodeAddOrder(body); err == nil {
			if inst := t.instruments[o.InstrumentID]; inst != nil {
				if o.Side == wire.SideBuy {
					inst.bestBid = o.Price
				} else {
					inst.bestAsk = o.Price
				}
			}
		}
	case wire.MessageTypeFillOrder:
		if fo, err := wire.DecodeFillOrder(body); err == nil {
			if inst := t.instruments[fo.InstrumentID]; inst != nil {
				inst.fills++
				inst.fillVolume += uint64(fo.Qty)
			}
		}
	}

	fmt.Printf("#%d seq=%d type=%s app=%d\n", t.total, seqNum, h.MessageType, h.ApplicationID)

	if t.maxMessages > 0 && t.total >= t.maxMessages && t.done != nil {
		t.done()
	}
}

func (t *tally) print() {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Println("=== Statistics ===")
	fmt.Printf("Total messages:   %d\n", t.total)
	for mt, n := range t.byType {
		fmt.Printf("  %-22s %d\n", mt, n)
	}
	fmt.Println("=== Instruments ===")
	for id, s := range t.instruments {
		fmt.Printf("  #%d %-8s bid=%d ask=%d fills=%d volume=%d\n", id, s.ticker, s.bestBid, s.bestAsk, s.fills, s.fillVolume)
	}
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVarP(&f.MulticastGroup, "multicast-group", "g", "239.0.0.1", "UDP multicast group address")
	flag.IntVarP(&f.MulticastPort, "multicast-port", "p", 5001, "UDP multicast port")
	flag.StringVar(&f.MulticastInterface, "interface", "", "Network interface for multicast (optional)")
	flag.StringVarP(&f.RewindAddr, "rewind-addr", "r", "localhost:7001", "Active sequencer's TCP rewind address")
	flag.BoolVarP(&f.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&f.ShowVersion, "version", false, "Show version and exit")
	flag.IntVarP(&f.MaxMessages, "count", "c", 0, "Exit after receiving N messages (0 = unlimited)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "moldbus-client - subscribe to the moldbus event stream\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  moldbus-client [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return f
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
