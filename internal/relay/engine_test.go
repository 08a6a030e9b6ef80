package relay

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"filterproxy/internal/policy"
	"filterproxy/internal/telemetry"
)

func buildClientHelloWithSNI(sni string) []byte {
	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x13, 0x01)
	body = append(body, 0x01, 0x00)

	name := []byte(sni)
	var sn []byte
	sn = append(sn, 0x00, byte(len(name)+3))
	sn = append(sn, 0x00)
	sn = append(sn, byte(len(name)>>8), byte(len(name)))
	sn = append(sn, name...)
	var ext []byte
	ext = append(ext, 0x00, 0x00)
	ext = append(ext, byte(len(sn)>>8), byte(len(sn)))
	ext = append(ext, sn...)
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)

	hs := make([]byte, 4)
	hs[0] = 0x01
	hs[1] = byte(len(body) >> 16)
	hs[2] = byte(len(body) >> 8)
	hs[3] = byte(len(body))
	hs = append(hs, body...)

	record := make([]byte, 5)
	record[0], record[1], record[2] = 0x16, 0x03, 0x03
	binary.BigEndian.PutUint16(record[3:5], uint16(len(hs)))
	record = append(record, hs...)
	return record
}

func startEchoTarget(t *testing.T, handle func(net.Conn)) (host string, port uint16, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(tcpAddr.Port), func() { ln.Close() }
}

func TestHandleConnectAllowedRoundTrip(t *testing.T) {
	host, port, closeLn := startEchoTarget(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4)
		n, _ := conn.Read(buf)
		if n == 4 {
			conn.Write([]byte("pong"))
		}
	})
	defer closeLn()

	rec := telemetry.NewRecorder(10 * time.Millisecond)
	eng := NewEngine(DefaultConfig(), policy.NewStore(), rec)

	client, testSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		eng.HandleConnect(client, bufio.NewReader(client), 1, host, port)
		close(done)
	}()

	reply := make([]byte, 10)
	if _, err := readFullFrom(testSide, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("unexpected reply: % x", reply)
	}
	if _, err := testSide.Write([]byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := make([]byte, 4)
	if _, err := readFullFrom(testSide, pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(pong) != "pong" {
		t.Fatalf("got %q want pong", pong)
	}
	testSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("HandleConnect did not return")
	}

	a := rec.Artifact()
	var sawAllowed, sawCompleted bool
	for _, e := range a.Events {
		if e.Type == telemetry.KindAllowed {
			sawAllowed = true
		}
		if e.Type == telemetry.KindCompleted {
			sawCompleted = true
		}
	}
	if !sawAllowed || !sawCompleted {
		t.Fatalf("expected Allowed then Completed events, got %+v", a.Events)
	}
}

func TestHandleConnectStreamBlockAtThreshold(t *testing.T) {
	hello := buildClientHelloWithSNI("www.streamy.test")

	host, port, closeLn := startEchoTarget(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, len(hello))
		conn.Read(buf)
		payload := make([]byte, 2048)
		conn.Write(payload)
		time.Sleep(50 * time.Millisecond)
	})
	defer closeLn()

	pol := policy.NewStore()
	pol.Set("streamy.test", 1024)
	rec := telemetry.NewRecorder(10 * time.Millisecond)
	eng := NewEngine(DefaultConfig(), pol, rec)

	client, testSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		eng.HandleConnect(client, bufio.NewReader(client), 1, host, port)
		close(done)
	}()

	reply := make([]byte, 10)
	readFullFrom(testSide, reply)
	testSide.Write(hello)

	// Drain whatever the target streams back until the pipe closes.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := testSide.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("HandleConnect did not return")
	}

	a := rec.Artifact()
	var blocked *telemetry.TrafficEvent
	for i, e := range a.Events {
		if e.Type == telemetry.KindStreamBlocked {
			blocked = &a.Events[i]
		}
		if e.Type == telemetry.KindCompleted {
			t.Fatalf("did not expect a Completed event for a stream-blocked relay")
		}
	}
	if blocked == nil {
		t.Fatalf("expected a StreamBlocked event, got %+v", a.Events)
	}
	if blocked.BytesDown <= 1024 {
		t.Fatalf("expected bytesDown > 1024, got %d", blocked.BytesDown)
	}
}

func readFullFrom(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
