// Package supervisor implements the accept/dispatch half of C5: listen on
// an OS-assigned loopback port, report it once, admit connections up to
// MAX_CONNECTIONS, allocate connection ids, drive the wire codec through
// handshake and request parsing, and dispatch CONNECT to the relay engine
// or FWD_UDP to the frame loop. The telemetry half (internal/telemetry)
// owns the event log, ring buffers, and the periodic snapshot/stats
// tickers this package drives.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"filterproxy/internal/logx"
	"filterproxy/internal/policy"
	"filterproxy/internal/relay"
	"filterproxy/internal/telemetry"
	"filterproxy/internal/udpframer"
	"filterproxy/internal/wire"
)

var log = logx.New(logx.WithPrefix("supervisor"))

// Config sizes admission control and the telemetry cadence.
type Config struct {
	ListenAddr       string
	MaxConnections   int
	AcceptRatePerSec float64
	AcceptBurst      int
	SnapshotInterval time.Duration
	StatsInterval    time.Duration
	TelemetryPath    string

	Relay relay.Config
	UDP   udpframer.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:0",
		MaxConnections:   500,
		AcceptRatePerSec: 200,
		AcceptBurst:      100,
		SnapshotInterval: 1 * time.Second,
		StatsInterval:    10 * time.Second,
		TelemetryPath:    "./run/telemetry.json",
		Relay:            relay.DefaultConfig(),
		UDP:              udpframer.DefaultConfig(),
	}
}

// recorderStats adapts *telemetry.Recorder to the narrow udpframer.Stats
// interface so that package never needs to import telemetry's internals.
type recorderStats struct{ rec *telemetry.Recorder }

func (s recorderStats) IncrUDPRelayed() { s.rec.IncrUDPRelayed() }
func (s recorderStats) RecordBlocked(host string, port uint16) {
	s.rec.RecordEvent(telemetry.KindBlocked, host, port, "", "udp destination blocked", 0, false)
}
func (s recorderStats) RecordError(host string, port uint16, detail string) {
	s.rec.RecordEvent(telemetry.KindError, host, port, "", detail, 0, false)
	s.rec.IncrErrors()
}

// Supervisor is the proxy's top-level control surface: start(on_ready) /
// stop(), with no CLI/env/config-file dependency of its own (spec.md §6).
type Supervisor struct {
	cfg    Config
	policy *policy.Store
	rec    *telemetry.Recorder
	relayEngine *relay.Engine
	framer      *udpframer.Framer

	// OnSnapshot, when set before Start, is invoked with each snapshot
	// the 1Hz ticker builds -- the hook internal/app uses to fan a
	// snapshot out to connected websocket clients without a second timer.
	OnSnapshot func(telemetry.TrafficSnapshot)

	ln net.Listener

	nextConnID atomic.Int64
	sem        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	stopOnce sync.Once
}

func New(cfg Config, pol *policy.Store, rec *telemetry.Recorder) *Supervisor {
	maxConn := cfg.MaxConnections
	if maxConn <= 0 {
		maxConn = 500
	}
	s := &Supervisor{
		cfg:    cfg,
		policy: pol,
		rec:    rec,
		sem:    make(chan struct{}, maxConn),
	}
	s.relayEngine = relay.NewEngine(cfg.Relay, pol, rec)
	s.framer = udpframer.NewFramer(cfg.UDP, pol, recorderStats{rec: rec})
	return s
}

// Start binds the listener, invokes onReady exactly once with the bound
// port, and launches the accept loop plus the snapshot and stats tickers
// under one cancellation tree. It returns once all three are running;
// callers use Stop to shut down.
func (s *Supervisor) Start(onReady func(port int)) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	port := ln.Addr().(*net.TCPAddr).Port
	if onReady != nil {
		onReady(port)
	}
	log.Infof("listening on 127.0.0.1:%d", port)

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.snapshotLoop(gctx) })
	g.Go(func() error { return s.statsLoop(gctx) })

	return nil
}

// Stop cancels the shared context -- which stops the tickers, makes the
// accept loop close anything it accepts from then on, and lets outstanding
// relays observe the cancellation and exit via their own close paths --
// then closes the listener and waits for the three loops to return.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.group != nil {
			_ = s.group.Wait()
		}
	})
}

func (s *Supervisor) acceptLoop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.AcceptRatePerSec), s.cfg.AcceptBurst)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("accept error: %v", err)
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.rec.RecordEvent(telemetry.KindError, "", 0, "", "Connection limit reached", 0, false)
			s.rec.IncrErrors()
			_ = conn.Close()
			continue
		}

		connID := s.nextConnID.Add(1)
		s.rec.IncrTotalConns()

		go func(c net.Conn, id int64) {
			defer func() { <-s.sem }()
			s.handleConn(ctx, c, id)
		}(conn, connID)
	}
}

func (s *Supervisor) handleConn(ctx context.Context, conn net.Conn, connID int64) {
	go func() {
		<-ctx.Done()
		_ = conn.SetDeadline(time.Now())
	}()

	r := bufio.NewReader(conn)

	if err := wire.NegotiateMethods(r); err != nil {
		_ = conn.Close()
		return
	}
	if err := wire.WriteMethodSelection(conn); err != nil {
		_ = conn.Close()
		return
	}

	cmd, atyp, err := wire.ReadRequestHeader(r)
	if err != nil {
		s.rec.RecordEvent(telemetry.KindError, "", 0, "", "malformed request header", 0, false)
		s.rec.IncrErrors()
		_ = conn.Close()
		return
	}

	host, port, err := wire.ReadAddressFromStream(r, atyp)
	if err != nil {
		s.rec.RecordEvent(telemetry.KindError, "", 0, "", "malformed address", 0, false)
		s.rec.IncrErrors()
		_ = wire.WriteReply(conn, wire.RepAddrUnsupport)
		_ = conn.Close()
		return
	}

	switch cmd {
	case wire.CmdConnect:
		s.handleConnect(conn, r, connID, host, port)
	case wire.CmdFwdUDP:
		if err := wire.WriteReply(conn, wire.RepSuccess); err != nil {
			_ = conn.Close()
			return
		}
		s.framer.Run(conn, r)
		_ = conn.Close()
	default:
		s.rec.RecordEvent(telemetry.KindError, host, port, "", "unsupported command", 0, false)
		s.rec.IncrErrors()
		_ = wire.WriteReply(conn, wire.RepCmdUnsupport)
		_ = conn.Close()
	}
}

func (s *Supervisor) handleConnect(conn net.Conn, r *bufio.Reader, connID int64, host string, port uint16) {
	if s.policy.ShouldAllow(host, port) == policy.Block {
		s.rec.RecordEvent(telemetry.KindBlocked, host, port, "", "policy block", 0, false)
		s.rec.IncrTCPBlocked()
		_ = wire.WriteReply(conn, wire.RepRefused)
		_ = conn.Close()
		return
	}
	s.relayEngine.HandleConnect(conn, r, connID, host, port)
}

func (s *Supervisor) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := s.rec.Tick()
			if s.OnSnapshot != nil {
				s.OnSnapshot(snap)
			}
			artifact := s.rec.Artifact()
			if err := telemetry.WriteArtifact(s.cfg.TelemetryPath, artifact); err != nil {
				log.Warnf("telemetry write failed: %v", err)
			}
		}
	}
}

func (s *Supervisor) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.rec.LogStatsLine()
		}
	}
}

// ActiveConnections reports the current live-connection count, useful for
// tests asserting the admission cap invariant.
func (s *Supervisor) ActiveConnections() int { return len(s.sem) }
