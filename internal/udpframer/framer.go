// Package udpframer implements the FWD_UDP frame loop (C4): read
// length-prefixed frames off the already-accepted client TCP connection,
// relay each datagram to a one-shot UDP socket, and frame a single reply
// back, per the hev-socks5-tunnel extension spec.md §4.4 describes.
package udpframer

import (
	"bufio"
	"net"
	"strconv"
	"time"

	"filterproxy/internal/logx"
	"filterproxy/internal/policy"
	"filterproxy/internal/wire"
)

var log = logx.New(logx.WithPrefix("udpframer"))

// Stats is the minimal counter/event surface the framer needs from C5;
// supervisor wires its telemetry.Recorder in through this narrow interface
// so this package never imports telemetry's ring-buffer internals.
type Stats interface {
	IncrUDPRelayed()
	RecordBlocked(host string, port uint16)
	RecordError(host string, port uint16, detail string)
}

// Config sizes the one-shot UDP socket's reply wait.
type Config struct {
	ReplyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ReplyTimeout: 5 * time.Second}
}

type Framer struct {
	cfg    Config
	policy *policy.Store
	stats  Stats
}

func NewFramer(cfg Config, pol *policy.Store, stats Stats) *Framer {
	return &Framer{cfg: cfg, policy: pol, stats: stats}
}

// Run loops reading FWD_UDP frames off r/w until a protocol error or read
// error ends the connection. It never panics or crashes the caller's
// accept loop -- every error just returns.
func (f *Framer) Run(client net.Conn, r *bufio.Reader) {
	for {
		payload, err := wire.ReadUDPFrame(r)
		if err != nil {
			return
		}
		host, port, headerEnd, err := wire.ParseAddress(payload, 1)
		if err != nil {
			return
		}
		headerPrefix := payload[:headerEnd]
		datagram := payload[headerEnd:]

		f.stats.IncrUDPRelayed()

		if f.policy.ShouldAllow(host, port) == policy.Block {
			f.stats.RecordBlocked(host, port)
			continue
		}

		reply, ok := f.relayOne(host, port, datagram)
		if !ok {
			continue
		}
		frame := wire.EncodeUDPFrame(headerPrefix, reply)
		if _, err := client.Write(frame); err != nil {
			return
		}
	}
}

// relayOne opens a fresh UDP socket, sends datagram, and waits for exactly
// one reply with a hard UDP_RELAY_TIMEOUT. The socket is always closed
// before returning, regardless of outcome.
func (f *Framer) relayOne(host string, port uint16, datagram []byte) ([]byte, bool) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		f.stats.RecordError(host, port, "resolve failed: "+err.Error())
		return nil, false
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		f.stats.RecordError(host, port, "dial failed: "+err.Error())
		return nil, false
	}
	defer sock.Close()

	if _, err := sock.Write(datagram); err != nil {
		return nil, false
	}

	if err := sock.SetReadDeadline(time.Now().Add(f.cfg.ReplyTimeout)); err != nil {
		return nil, false
	}
	buf := make([]byte, 65536)
	n, err := sock.Read(buf)
	if err != nil {
		return nil, false // timeout or error: drop silently, loop continues
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, true
}

