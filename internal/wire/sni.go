package wire

import "encoding/binary"

// ExtractSNI is a best-effort parser of the first non-empty upload chunk of
// a TCP relay. It never returns an error: any short buffer, version
// mismatch, or missing extension simply yields ok == false, and the relay
// continues without an SNI. Callers latch this call to "once per relay" --
// this function itself is stateless and safe to call on any chunk.
func ExtractSNI(chunk []byte) (sni string, ok bool) {
	defer func() {
		if recover() != nil {
			sni, ok = "", false
		}
	}()

	if len(chunk) < 5 {
		return "", false
	}
	if chunk[0] != 0x16 || chunk[1] != 0x03 {
		return "", false
	}
	recordLen := int(binary.BigEndian.Uint16(chunk[3:5]))
	if len(chunk) < 5+recordLen {
		return "", false
	}
	if len(chunk) < 6 || chunk[5] != 0x01 {
		return "", false
	}
	body := chunk
	p := 9
	if len(body) < p+2+32 {
		return "", false
	}
	p += 2 + 32 // legacy version + random

	if len(body) < p+1 {
		return "", false
	}
	sessIDLen := int(body[p])
	p++
	if len(body) < p+sessIDLen {
		return "", false
	}
	p += sessIDLen

	if len(body) < p+2 {
		return "", false
	}
	cipherLen := int(binary.BigEndian.Uint16(body[p : p+2]))
	p += 2
	if len(body) < p+cipherLen {
		return "", false
	}
	p += cipherLen

	if len(body) < p+1 {
		return "", false
	}
	compLen := int(body[p])
	p++
	if len(body) < p+compLen {
		return "", false
	}
	p += compLen

	if len(body) < p+2 {
		return "", false
	}
	extTotal := int(binary.BigEndian.Uint16(body[p : p+2]))
	p += 2
	extEnd := p + extTotal
	if len(body) < extEnd {
		return "", false
	}

	for p+4 <= extEnd {
		extType := binary.BigEndian.Uint16(body[p : p+2])
		extLen := int(binary.BigEndian.Uint16(body[p+2 : p+4]))
		dataStart := p + 4
		dataEnd := dataStart + extLen
		if dataEnd > extEnd || dataEnd > len(body) {
			return "", false
		}
		if extType == 0x0000 {
			return parseServerNameExt(body[dataStart:dataEnd])
		}
		p = dataEnd
	}
	return "", false
}

func parseServerNameExt(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	// list length at data[0:2] is informational; only the first entry is read.
	q := 2
	if len(data) < q+1 {
		return "", false
	}
	nameType := data[q]
	q++
	if nameType != 0x00 {
		return "", false
	}
	if len(data) < q+2 {
		return "", false
	}
	nameLen := int(binary.BigEndian.Uint16(data[q : q+2]))
	q += 2
	if len(data) < q+nameLen {
		return "", false
	}
	return string(data[q : q+nameLen]), true
}
