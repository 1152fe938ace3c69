// moldbus-sequencer hosts the core bus: the message store, the mold
// session, the UDP publisher, the TCP rewinder, and the CLOB handler,
// running either as the active sequencer (owns the command channel,
// assigns sequence numbers, matches orders) or as a passive replica
// (observes the event stream and mirrors book state without deciding
// anything).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/moldbus/internal/activation"
	"github.com/malbeclabs/moldbus/internal/adminapi"
	"github.com/malbeclabs/moldbus/internal/bus"
	"github.com/malbeclabs/moldbus/internal/clob"
	"github.com/malbeclabs/moldbus/internal/config"
	"github.com/malbeclabs/moldbus/internal/eventloop"
	"github.com/malbeclabs/moldbus/internal/metrics"
	"github.com/malbeclabs/moldbus/internal/mold"
	"github.com/malbeclabs/moldbus/internal/rewind"
	"github.com/malbeclabs/moldbus/internal/scheduler"
	"github.com/malbeclabs/moldbus/internal/sequencer"
	"github.com/malbeclabs/moldbus/internal/store"
	"github.com/malbeclabs/moldbus/internal/udpbus"
	"github.com/malbeclabs/moldbus/internal/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	ConfigPath  string
	StateDir    string
	Verbose     bool
	ShowVersion bool

	Active  bool
	Passive bool

	SessionSuffix      string
	MulticastGroup     string
	MulticastPort      int
	MulticastInterface string
	RewindListenAddr   string
	CommandListenAddr  string
	AdminListenAddr    string
	PeerRewindAddr     string
	StorePath          string
	StoreSize          int
	HeartbeatMS        int64
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if f.ShowVersion {
		fmt.Printf("moldbus-sequencer version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(f.Verbose)

	cfg, err := loadOrInitConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, f)

	active, err := resolveRole(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// g supervises every long-running TCP listener goroutine below: the
	// first one to fail cancels gctx for the rest, the same
	// errgroup.WithContext idiom the pack uses for concurrent component
	// health checks.
	g, gctx := errgroup.WithContext(ctx)

	instanceID := uuid.NewString()

	sched := scheduler.New(log.With("component", "scheduler"))
	session := mold.New()

	st := store.New(cfg.StoreSize)
	if err := st.Open(cfg.StorePath); err != nil {
		return err
	}
	defer st.Close()

	mcast := &net.UDPAddr{IP: net.ParseIP(cfg.MulticastGroup), Port: cfg.MulticastPort}
	udpConn, err := net.DialUDP("udp4", nil, mcast)
	if err != nil {
		return fmt.Errorf("dial multicast group: %w", err)
	}
	defer udpConn.Close()

	publisher := udpbus.NewPublisher(log.With("component", "publisher"), session, st, udpConn)
	server := bus.NewServer(log.With("component", "bus"), publisher)
	clobHandler := clob.NewHandler(log.With("component", "clob"), server)
	server.AddEventListener(clobHandler.HandleEvent)

	if !active {
		if err := runPassiveReceiver(ctx, log, cfg, session, st, clobHandler); err != nil {
			return err
		}
	}

	m := metrics.New()
	server.AddEventListener(func(wire.Header, []byte) { m.EventsCommitted.Inc() })

	rewindServer := rewind.NewServer(log.With("component", "rewind"), st, session, sched,
		func(h *rewind.SocketHolder) {
			publisher.AddFanout(h)
			m.RewindClients.Inc()
		})

	admin := adminapi.New(m, func() adminapi.Status {
		name := session.Name()
		return adminapi.Status{
			InstanceID:  instanceID,
			SessionName: string(name[:]),
			Active:      server.IsActive(),
			NextSeqNum:  session.NextSeqNum(),
		}
	}, adminapi.WithAddr(cfg.AdminListenAddr), adminapi.WithBaseContext(gctx))

	adminLn, err := net.Listen("tcp", cfg.AdminListenAddr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	g.Go(func() error {
		if err := admin.Serve(adminLn); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("adminapi: serve failed: %w", err)
		}
		return nil
	})

	rewindLn, err := net.Listen("tcp", cfg.RewindListenAddr)
	if err != nil {
		return fmt.Errorf("rewind listener: %w", err)
	}
	g.Go(func() error {
		return acceptLoop(rewindLn, rewindServer.Accept)
	})

	loop := eventloop.New(log.With("component", "eventloop"), sched)
	go loop.Run()

	graph := activation.New(log.With("component", "activation"))
	sessActivator := &sessionActivator{session: session, suffix: cfg.SessionSuffix, active: active}
	sessionNode, err := graph.NewNode("session", sessActivator)
	if err != nil {
		return err
	}
	sessActivator.node = sessionNode

	seq := sequencer.New(log.With("component", "sequencer"), server, sched, "moldbus-sequencer", clobHandler.HandleCommand)
	seq.SetHeartbeatMS(cfg.HeartbeatMS)
	sequencerNode, err := graph.NewNode("sequencer", seq, sessionNode)
	if err != nil {
		return err
	}
	seq.OnReadyNotify(sequencerNode.MarkReady, sequencerNode.MarkNotReady)
	sessionNode.Start()

	var commandLn net.Listener
	if active {
		commandLn, err = net.Listen("tcp", cfg.CommandListenAddr)
		if err != nil {
			return fmt.Errorf("command listener: %w", err)
		}
		intake := bus.NewTCPCommandListener(log.With("component", "intake"), server)
		g.Go(func() error {
			if err := intake.Serve(commandLn); err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("bus: command intake failed: %w", err)
			}
			return nil
		})
		sequencerNode.Start()
	}

	if err := config.SaveRole(f.StateDir, active); err != nil {
		log.Warn("config: failed to persist role", "error", err)
	}

	log.Info("moldbus-sequencer started", "active", active, "session_suffix", cfg.SessionSuffix)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig)

	cancel()
	sequencerNode.Stop()
	sessionNode.Stop()
	loop.Exit()
	_ = adminLn.Close()
	_ = rewindLn.Close()
	if commandLn != nil {
		_ = commandLn.Close()
	}

	if err := g.Wait(); err != nil {
		log.Error("moldbus-sequencer: component failed", "error", err)
	}

	log.Info("moldbus-sequencer shutdown complete")
	return nil
}

// sessionActivator adapts mold.Session to activation.Activatable: an
// active process mints a fresh session name immediately; a passive
// process has nothing to do at this layer and becomes ready once the
// wire (a heartbeat or event frame) teaches it the session name via
// Session.SetSessionName elsewhere.
type sessionActivator struct {
	node    *activation.Node
	session *mold.Session
	suffix  string
	active  bool
}

func (a *sessionActivator) Activate() error {
	a.session.OnReady(func() {
		if a.node != nil {
			a.node.MarkReady()
		}
	})
	if a.active {
		return a.session.Create(a.suffix)
	}
	return nil
}

func (a *sessionActivator) Deactivate() error { return nil }

// runPassiveReceiver wires the non-active data path: a multicast listener
// feeds decoded frames into a Subscriber, which dispatches in-order
// payloads into the CLOB handler's replica path (clob.Handler.Dispatch)
// and requests a TCP rewind from the active sequencer whenever it detects
// a sequence gap. The first frame observed (heartbeat or event) teaches
// the local session its identity, since a passive process never calls
// Session.Create.
func runPassiveReceiver(ctx context.Context, log *slog.Logger, cfg *config.Config, session *mold.Session, st *store.Store, clobHandler *clob.Handler) error {
	if cfg.PeerRewindAddr == "" {
		return fmt.Errorf("passive role requires peer_rewind_addr (or --peer-rewind-addr) to be set")
	}

	dispatcher := &replicaDispatcher{log: log.With("component", "replica"), store: st, handler: clobHandler}

	// The Subscriber needs a Rewinder at construction and the rewind Client
	// needs a FrameHandler at construction, so a slot breaks the cycle: the
	// client is built pointing at the slot, then the slot is pointed at the
	// Subscriber once it exists.
	slot := &frameHandlerSlot{}
	rewindClient := rewind.NewClient(log.With("component", "rewind-client"), cfg.PeerRewindAddr, slot)
	sub := udpbus.NewSubscriber(log.With("component", "subscriber"), dispatcher, rewindClient)
	slot.set(sub)

	receiver := &sessionLearningReceiver{session: session, next: sub}

	listener, err := udpbus.NewListener(log.With("component", "multicast"), udpbus.ListenerConfig{
		MulticastIP:   cfg.MulticastGroup,
		Port:          cfg.MulticastPort,
		InterfaceName: cfg.MulticastInterface,
	}, receiver)
	if err != nil {
		return fmt.Errorf("passive multicast listener: %w", err)
	}

	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("udpbus: multicast listener failed", "error", err)
		}
	}()

	return nil
}

// frameHandlerSlot breaks the construction cycle between rewind.Client
// (needs a FrameHandler) and udpbus.Subscriber (needs a Rewinder, which
// the Client implements): the Client is built against the empty slot, and
// the slot is pointed at the Subscriber once it exists.
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

// sessionLearningReceiver wraps a udpbus.FrameReceiver, establishing the
// local session's identity from the first frame seen on the wire before
// forwarding it onward.
type sessionLearningReceiver struct {
	session *mold.Session
	next    udpbus.FrameReceiver
}

func (r *sessionLearningReceiver) HandleFrame(h wire.FrameHeader, messages [][]byte) {
	if !r.session.Established() {
		_ = r.session.SetSessionName(h.Session)
	}
	r.next.HandleFrame(h, messages)
}

// replicaDispatcher persists every in-order payload into this process's
// own message store before handing it to the CLOB handler's replica path,
// so a passive process promoted to active later has the same backlog a
// rewind client would expect to find.
type replicaDispatcher struct {
	log     *slog.Logger
	store   *store.Store
	handler *clob.Handler
}

func (d *replicaDispatcher) Dispatch(seqNum uint64, payload []byte) {
	buf := d.store.Acquire()
	if len(payload) > len(buf) {
		d.log.Warn("replica: dropping oversized payload", "seqNum", seqNum, "len", len(payload))
		return
	}
	n := copy(buf, payload)
	if err := d.store.Commit([]int{n}, 0, 1); err != nil {
		d.log.Error("replica: store commit failed", "seqNum", seqNum, "error", err)
	}
	d.handler.Dispatch(seqNum, payload)
}

func acceptLoop(ln net.Listener, accept func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rewind: accept failed: %w", err)
		}
		accept(conn)
	}
}

func loadOrInitConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	cfg := config.New(path)
	cfg.SessionSuffix = "A1"
	cfg.MulticastGroup = "239.0.0.1"
	cfg.MulticastPort = 5001
	cfg.RewindListenAddr = ":7001"
	cfg.CommandListenAddr = ":7002"
	cfg.AdminListenAddr = ":7003"
	cfg.StorePath = filepath.Join(filepath.Dir(path), "moldbus.store")
	cfg.StoreSize = 1 << 20
	cfg.HeartbeatMS = sequencer.DefaultHeartbeatMS
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, f *flags) {
	if f.SessionSuffix != "" {
		cfg.SessionSuffix = f.SessionSuffix
	}
	if f.MulticastGroup != "" {
		cfg.MulticastGroup = f.MulticastGroup
	}
	if f.MulticastPort != 0 {
		cfg.MulticastPort = f.MulticastPort
	}
	if f.MulticastInterface != "" {
		cfg.MulticastInterface = f.MulticastInterface
	}
	if f.RewindListenAddr != "" {
		cfg.RewindListenAddr = f.RewindListenAddr
	}
	if f.CommandListenAddr != "" {
		cfg.CommandListenAddr = f.CommandListenAddr
	}
	if f.AdminListenAddr != "" {
		cfg.AdminListenAddr = f.AdminListenAddr
	}
	if f.PeerRewindAddr != "" {
		cfg.PeerRewindAddr = f.PeerRewindAddr
	}
	if f.StorePath != "" {
		cfg.StorePath = f.StorePath
	}
	if f.StoreSize != 0 {
		cfg.StoreSize = f.StoreSize
	}
	if f.HeartbeatMS != 0 {
		cfg.HeartbeatMS = f.HeartbeatMS
	}
}

// resolveRole decides active-vs-passive: an explicit --active/--passive
// flag wins; otherwise fall back to the role persisted from the previous
// run, so a crashed process comes back up the way it went down rather
// than silently flipping roles (failover itself stays operator-initiated).
func resolveRole(f *flags) (bool, error) {
	switch {
	case f.Active:
		return true, nil
	case f.Passive:
		return false, nil
	default:
		return config.LoadRole(f.StateDir)
	}
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.ConfigPath, "config", "moldbus.json", "Path to the JSON configuration file")
	flag.StringVar(&f.StateDir, "state-dir", ".", "Directory holding the persisted active/passive role")
	flag.BoolVarP(&f.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&f.ShowVersion, "version", false, "Show version and exit")

	flag.BoolVar(&f.Active, "active", false, "Start as the active sequencer (overrides persisted role)")
	flag.BoolVar(&f.Passive, "passive", false, "Start as a passive replica (overrides persisted role)")

	flag.StringVar(&f.SessionSuffix, "session-suffix", "", "Two-character session suffix (active only)")
	flag.StringVar(&f.MulticastGroup, "multicast-group", "", "UDP multicast group address")
	flag.IntVar(&f.MulticastPort, "multicast-port", 0, "UDP multicast port")
	flag.StringVar(&f.MulticastInterface, "interface", "", "Network interface for multicast (optional)")
	flag.StringVar(&f.RewindListenAddr, "rewind-addr", "", "TCP rewind listen address")
	flag.StringVar(&f.CommandListenAddr, "command-addr", "", "TCP command intake listen address (active only)")
	flag.StringVar(&f.AdminListenAddr, "admin-addr", "", "HTTP admin (/metrics, /status) listen address")
	flag.StringVar(&f.PeerRewindAddr, "peer-rewind-addr", "", "Active sequencer's rewind address (passive only)")
	flag.StringVar(&f.StorePath, "store-path", "", "Message store file path")
	flag.IntVar(&f.StoreSize, "store-size", 0, "Message store scratch buffer size in bytes")
	flag.Int64Var(&f.HeartbeatMS, "heartbeat-ms", 0, "Sequencer heartbeat interval in milliseconds")

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
