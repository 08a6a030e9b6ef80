// Package wire implements the SOCKS5 wire codec (C1 of the design): method
// negotiation, request parsing, the shared address parser, the reply
// encoder, the FWD_UDP frame envelope, and (in sni.go) the TLS ClientHello
// SNI extractor. None of this package touches policy or relay state — it
// only turns bytes into structured values and back.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Ver5 = 0x05

	CmdConnect = 0x01
	CmdFwdUDP  = 0x05 // hev-socks5-tunnel FWD_UDP extension, not RFC1928 UDP ASSOCIATE

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	NoAuth = 0x00

	// Reply codes (RFC1928 REP field).
	RepSuccess      = 0x00
	RepRefused      = 0x05
	RepCmdUnsupport = 0x07
	RepAddrUnsupport = 0x08

	MinUDPFrame = 1
	MaxUDPFrame = 9000
)

var (
	ErrBadVersion   = errors.New("wire: unsupported socks version")
	ErrNoMethods    = errors.New("wire: zero methods offered")
	ErrShortBuffer  = errors.New("wire: short buffer")
	ErrBadAtyp      = errors.New("wire: unsupported address type")
	ErrBadFrameSize = errors.New("wire: fwd_udp frame length out of range")
)

// NegotiateMethods consumes VER, NMETHODS and the method list from r. Excess
// bytes the peer pipelined behind the handshake stay buffered in r (the
// caller passed a *bufio.Reader for exactly this reason) and are read by the
// next ReadRequestHeader call without a fresh network read.
func NegotiateMethods(r *bufio.Reader) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	if hdr[0] != Ver5 {
		return ErrBadVersion
	}
	n := int(hdr[1])
	if n <= 0 {
		return ErrNoMethods
	}
	methods := make([]byte, n)
	if _, err := io.ReadFull(r, methods); err != nil {
		return err
	}
	return nil
}

// WriteMethodSelection replies "no auth" (the only method this proxy ever
// offers: spec.md explicitly excludes every other SOCKS5 auth method).
func WriteMethodSelection(w io.Writer) error {
	_, err := w.Write([]byte{Ver5, NoAuth})
	return err
}

// ReadRequestHeader reads the fixed 4-byte SOCKS5 request header
// [VER][CMD][RSV][ATYP] and returns cmd and atyp for the caller to dispatch
// on before parsing the address that follows.
func ReadRequestHeader(r *bufio.Reader) (cmd byte, atyp byte, err error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, 0, err
	}
	if hdr[0] != Ver5 {
		return 0, 0, ErrBadVersion
	}
	return hdr[1], hdr[3], nil
}

// ReadAddressFromStream reads exactly the bytes the address at atyp needs
// from r, assembles them behind a small fixed prefix, and hands the result
// to ParseAddress -- the same pure parser FWD_UDP frames use -- so request
// parsing and frame parsing never diverge on address semantics.
func ReadAddressFromStream(r *bufio.Reader, atyp byte) (host string, port uint16, err error) {
	buf := []byte{atyp}
	switch atyp {
	case AtypIPv4:
		tail := make([]byte, 4+2)
		if _, err := io.ReadFull(r, tail); err != nil {
			return "", 0, err
		}
		buf = append(buf, tail...)
	case AtypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(r, l); err != nil {
			return "", 0, err
		}
		tail := make([]byte, int(l[0])+2)
		if _, err := io.ReadFull(r, tail); err != nil {
			return "", 0, err
		}
		buf = append(buf, l[0])
		buf = append(buf, tail...)
	case AtypIPv6:
		tail := make([]byte, 16+2)
		if _, err := io.ReadFull(r, tail); err != nil {
			return "", 0, err
		}
		buf = append(buf, tail...)
	default:
		return "", 0, ErrBadAtyp
	}
	host, port, _, err = ParseAddress(buf, 0)
	return host, port, err
}

// ParseAddress is the pure, shared address parser: a function of buf and
// atypOffset alone (buf[atypOffset] is the ATYP byte). It is used both for
// the SOCKS5 request (through ReadAddressFromStream, with atypOffset = 0 over
// the ATYP byte and the address bytes read after the header) and for FWD_UDP
// frame payloads (atypOffset = 1, after the one reserved byte).
// headerEnd is the offset immediately after the parsed address+port, where
// callers locate whatever payload follows.
func ParseAddress(buf []byte, atypOffset int) (host string, port uint16, headerEnd int, err error) {
	if atypOffset < 0 || atypOffset >= len(buf) {
		return "", 0, 0, ErrShortBuffer
	}
	atyp := buf[atypOffset]
	p := atypOffset + 1
	switch atyp {
	case AtypIPv4:
		if len(buf) < p+4+2 {
			return "", 0, 0, ErrShortBuffer
		}
		ip := buf[p : p+4]
		host = fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
		port = binary.BigEndian.Uint16(buf[p+4 : p+6])
		headerEnd = p + 6
	case AtypDomain:
		if len(buf) < p+1 {
			return "", 0, 0, ErrShortBuffer
		}
		l := int(buf[p])
		if l == 0 {
			return "", 0, 0, ErrShortBuffer
		}
		if len(buf) < p+1+l+2 {
			return "", 0, 0, ErrShortBuffer
		}
		host = string(buf[p+1 : p+1+l])
		port = binary.BigEndian.Uint16(buf[p+1+l : p+1+l+2])
		headerEnd = p + 1 + l + 2
	case AtypIPv6:
		if len(buf) < p+16+2 {
			return "", 0, 0, ErrShortBuffer
		}
		host = ipv6String(buf[p : p+16])
		port = binary.BigEndian.Uint16(buf[p+16 : p+18])
		headerEnd = p + 18
	default:
		return "", 0, 0, ErrBadAtyp
	}
	return host, port, headerEnd, nil
}

func ipv6String(b []byte) string {
	s := ""
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			s += ":"
		}
		s += fmt.Sprintf("%x", uint16(b[i])<<8|uint16(b[i+1]))
	}
	return s
}

// EncodeReply builds the canonical 10-byte reply envelope
// [05 REP 00 01 00 00 00 00 00 00] used for every TCP-success, TCP-error,
// and UDP-accept reply (bound address 0.0.0.0:0 always).
func EncodeReply(rep byte) []byte {
	return []byte{Ver5, rep, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
}

func WriteReply(w io.Writer, rep byte) error {
	_, err := w.Write(EncodeReply(rep))
	return err
}

// ReadUDPFrame reads one FWD_UDP frame: a 2-byte big-endian length N
// (1<=N<=9000) followed by N bytes. Any violation is a protocol error that
// must abort the connection, per spec.md §4.4 / §8.
func ReadUDPFrame(r *bufio.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf)
	if n < MinUDPFrame || n > MaxUDPFrame {
		return nil, ErrBadFrameSize
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodeUDPFrame re-frames a reply datagram behind the original header
// prefix (the reserved byte + address the client sent), length-prefixed.
func EncodeUDPFrame(headerPrefix, datagram []byte) []byte {
	body := make([]byte, 0, len(headerPrefix)+len(datagram))
	body = append(body, headerPrefix...)
	body = append(body, datagram...)
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out
}
