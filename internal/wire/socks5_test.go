package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseAddressIPv4RoundTrip(t *testing.T) {
	buf := []byte{0x00, AtypIPv4, 127, 0, 0, 1, 0, 80}
	host, port, end, err := ParseAddress(buf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "127.0.0.1" || port != 80 || end != len(buf) {
		t.Fatalf("got host=%q port=%d end=%d", host, port, end)
	}
}

func TestParseAddressDomainRoundTrip(t *testing.T) {
	name := "example.test"
	buf := []byte{0x00, AtypDomain, byte(len(name))}
	buf = append(buf, []byte(name)...)
	buf = append(buf, 0x01, 0xBB) // port 443
	host, port, end, err := ParseAddress(buf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != name || port != 443 || end != len(buf) {
		t.Fatalf("got host=%q port=%d end=%d", host, port, end)
	}
}

func TestParseAddressDomainZeroLengthRejected(t *testing.T) {
	buf := []byte{0x00, AtypDomain, 0x00, 0x00, 0x50}
	if _, _, _, err := ParseAddress(buf, 1); err == nil {
		t.Fatalf("expected error for zero-length domain")
	}
}

func TestParseAddressDomain255Accepted(t *testing.T) {
	name := make([]byte, 255)
	for i := range name {
		name[i] = 'a'
	}
	buf := []byte{0x00, AtypDomain, 255}
	buf = append(buf, name...)
	buf = append(buf, 0x00, 0x50)
	host, port, _, err := ParseAddress(buf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(host) != 255 || port != 80 {
		t.Fatalf("got host len=%d port=%d", len(host), port)
	}
}

func TestParseAddressIPv6RoundTrip(t *testing.T) {
	buf := make([]byte, 1+1+16+2)
	buf[1] = AtypIPv6
	for i := 0; i < 16; i++ {
		buf[2+i] = byte(i)
	}
	binary.BigEndian.PutUint16(buf[18:20], 8080)
	host, port, end, err := ParseAddress(buf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host == "" || port != 8080 || end != len(buf) {
		t.Fatalf("got host=%q port=%d end=%d", host, port, end)
	}
}

func TestParseAddressUnknownAtyp(t *testing.T) {
	buf := []byte{0x00, 0x02, 0x00, 0x00}
	if _, _, _, err := ParseAddress(buf, 1); err != ErrBadAtyp {
		t.Fatalf("expected ErrBadAtyp, got %v", err)
	}
}

func TestParseAddressShortBuffer(t *testing.T) {
	buf := []byte{0x00, AtypIPv4, 127, 0}
	if _, _, _, err := ParseAddress(buf, 1); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestEncodeReplyAllCodes(t *testing.T) {
	for _, rep := range []byte{RepSuccess, RepRefused, RepCmdUnsupport, RepAddrUnsupport} {
		out := EncodeReply(rep)
		if len(out) != 10 {
			t.Fatalf("expected 10 bytes, got %d", len(out))
		}
		want := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		if !bytes.Equal(out, want) {
			t.Fatalf("got % x want % x", out, want)
		}
	}
}

func TestReadUDPFrameBoundaries(t *testing.T) {
	frame := func(n uint16, body []byte) []byte {
		b := make([]byte, 2+len(body))
		binary.BigEndian.PutUint16(b, n)
		copy(b[2:], body)
		return b
	}

	t.Run("zero length rejected", func(t *testing.T) {
		r := bufio.NewReader(bytes.NewReader(frame(0, nil)))
		if _, err := ReadUDPFrame(r); err != ErrBadFrameSize {
			t.Fatalf("expected ErrBadFrameSize, got %v", err)
		}
	})

	t.Run("over max rejected", func(t *testing.T) {
		body := make([]byte, 1)
		r := bufio.NewReader(bytes.NewReader(frame(9001, body)))
		if _, err := ReadUDPFrame(r); err != ErrBadFrameSize {
			t.Fatalf("expected ErrBadFrameSize, got %v", err)
		}
	})

	t.Run("min accepted", func(t *testing.T) {
		body := []byte{0xAB}
		r := bufio.NewReader(bytes.NewReader(frame(1, body)))
		payload, err := ReadUDPFrame(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(payload, body) {
			t.Fatalf("got % x want % x", payload, body)
		}
	})

	t.Run("max accepted", func(t *testing.T) {
		body := make([]byte, 9000)
		r := bufio.NewReader(bytes.NewReader(frame(9000, body)))
		payload, err := ReadUDPFrame(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(payload) != 9000 {
			t.Fatalf("got len=%d", len(payload))
		}
	})
}

func TestEncodeUDPFramePreservesHeaderPrefix(t *testing.T) {
	prefix := []byte{0x00, AtypIPv4, 127, 0, 0, 1, 0, 53}
	datagram := []byte("reply-bytes")
	out := EncodeUDPFrame(prefix, datagram)
	n := binary.BigEndian.Uint16(out[0:2])
	if int(n) != len(prefix)+len(datagram) {
		t.Fatalf("bad length prefix: %d", n)
	}
	if !bytes.Equal(out[2:2+len(prefix)], prefix) {
		t.Fatalf("header prefix not preserved")
	}
	if !bytes.Equal(out[2+len(prefix):], datagram) {
		t.Fatalf("datagram not preserved")
	}
}

func TestNegotiateMethodsPipelinesExcessBytes(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{Ver5, 1, NoAuth})
	buf.Write([]byte{Ver5, CmdConnect, 0x00, AtypIPv4, 127, 0, 0, 1, 0, 80})
	r := bufio.NewReader(&buf)

	if err := NegotiateMethods(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmd, atyp, err := ReadRequestHeader(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CmdConnect || atyp != AtypIPv4 {
		t.Fatalf("got cmd=%d atyp=%d", cmd, atyp)
	}
}

func TestReadAddressFromStreamDomain(t *testing.T) {
	name := "host.test"
	var buf bytes.Buffer
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	buf.Write([]byte{0x01, 0xBB})
	r := bufio.NewReader(&buf)
	host, port, err := ReadAddressFromStream(r, AtypDomain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != name || port != 443 {
		t.Fatalf("got host=%q port=%d", host, port)
	}
}
