// Package relay implements the per-connection TCP relay engine (C3): dial
// the target, create and register a tracker, pump bytes in both
// directions, snoop the TLS SNI on the first upload chunk, enforce the
// per-domain stream-block threshold, and guarantee a single idempotent
// close/log_relay_end per relay.
package relay

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"filterproxy/internal/logx"
	"filterproxy/internal/policy"
	"filterproxy/internal/telemetry"
	"filterproxy/internal/wire"
)

var log = logx.New(logx.WithPrefix("relay"))

// Config sizes the engine's pumps and timeout, mirroring spec.md §4.3's
// named constants.
type Config struct {
	BufferSize  int
	RelayTimeout time.Duration
	DialTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:   65536,
		RelayTimeout: 120 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// Engine runs the relay lifecycle for CONNECT requests the supervisor has
// already parsed an address for.
type Engine struct {
	cfg    Config
	policy *policy.Store
	rec    *telemetry.Recorder
}

func NewEngine(cfg Config, pol *policy.Store, rec *telemetry.Recorder) *Engine {
	return &Engine{cfg: cfg, policy: pol, rec: rec}
}

// HandleConnect implements spec.md §4.3 for one already-allowed CONNECT
// request -- the supervisor consults the policy filter and handles the
// block path itself (spec.md §2's control flow) before calling this.
// clientReader must be the same *bufio.Reader the wire codec used to parse
// the request, so bytes the peer pipelined right after the request header
// are not lost to the upload pump.
func (e *Engine) HandleConnect(client net.Conn, clientReader *bufio.Reader, connID int64, host string, port uint16) {
	target, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), e.cfg.DialTimeout)
	if err != nil {
		e.rec.RecordEvent(telemetry.KindError, host, port, "", "dial failed: "+err.Error(), 0, false)
		e.rec.IncrErrors()
		_ = wire.WriteReply(client, wire.RepRefused)
		_ = client.Close()
		return
	}

	if err := wire.WriteReply(client, wire.RepSuccess); err != nil {
		e.rec.RecordEvent(telemetry.KindError, host, port, "", "reply write failed: "+err.Error(), 0, false)
		e.rec.IncrErrors()
		_ = client.Close()
		_ = target.Close()
		return
	}

	tracker := telemetry.NewRelayTracker(connID, host, port)
	e.rec.RegisterRelay(tracker)
	e.rec.RecordEvent(telemetry.KindAllowed, host, port, "", "", 0, false)
	e.rec.IncrTCPAllowed()

	var closeOnce sync.Once
	closeBoth := func(reason string) {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
			e.rec.CloseRelay(tracker, reason)
		})
	}

	timer := time.AfterFunc(e.cfg.RelayTimeout, func() { closeBoth("timeout") })
	defer timer.Stop()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		e.pumpUpload(clientReader, target, tracker, closeBoth)
	}()
	go func() {
		defer wg.Done()
		e.pumpDownload(target, client, tracker, closeBoth)
	}()

	wg.Wait()
	closeBoth("complete")
}

// pumpUpload forwards client->target, latching the SNI off the first
// non-empty chunk regardless of whether extraction succeeds.
func (e *Engine) pumpUpload(src *bufio.Reader, dst net.Conn, t *telemetry.RelayTracker, closeBoth func(string)) {
	buf := make([]byte, e.cfg.BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			t.AddBytesUp(int64(n))
			if !t.SNIExtracted() {
				if sni, ok := wire.ExtractSNI(chunk); ok {
					t.LatchSNI(sni)
				} else {
					t.LatchSNI("")
				}
			}
			if _, werr := dst.Write(chunk); werr != nil {
				closeBoth("relay-error")
				return
			}
		}
		if err != nil {
			closeBoth("complete")
			return
		}
	}
}

// pumpDownload forwards target->client, enforcing the cumulative
// download-byte stream-block threshold strictly after accumulating the
// current chunk (spec.md §4.3).
func (e *Engine) pumpDownload(src net.Conn, dst net.Conn, t *telemetry.RelayTracker, closeBoth func(string)) {
	buf := make([]byte, e.cfg.BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			bytesDown := t.AddBytesDown(int64(n))
			if sni := t.SNI(); sni != "" {
				if threshold, ok := e.policy.StreamBlockThreshold(sni); ok && bytesDown > threshold {
					e.rec.RecordEvent(telemetry.KindStreamBlocked, t.Host, t.Port, sni, "cumulative download exceeded threshold", bytesDown, true)
					closeBoth("stream-blocked")
					return
				}
			}
			if _, werr := dst.Write(chunk); werr != nil {
				closeBoth("relay-error")
				return
			}
		}
		if err != nil {
			closeBoth("complete")
			return
		}
	}
}
