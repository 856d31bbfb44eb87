// Package protocol decodes the first upstream chunk of a tunnel into a
// dial target, for the two supported wire variants: V-PROTO and T-PROTO.
package protocol

import (
	"crypto/subtle"
	"encoding/binary"
	"unicode/utf8"

	"github.com/duskgate/tunneld/internal/errs"
)

// Variant identifies which wire format a chunk was decoded as.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantV
	VariantT
)

// Address type bytes mirror the SOCKS5-style convention shared by both
// wire variants: 1=IPv4, 2/3=domain (V-PROTO/T-PROTO numbering differs),
// 3/4=IPv6.
const (
	vAddrIPv4   = 1
	vAddrDomain = 2
	vAddrIPv6   = 3

	tAddrIPv4   = 1
	tAddrDomain = 3
	tAddrIPv6   = 4
)

const (
	idLen = 16

	// tCredentialLen is the length of the T-PROTO credential prefix.
	// It is read but never validated beyond its length.
	tCredentialLen = 56
)

// Handshake is the two-byte acknowledgement V-PROTO requires before any
// target-origin bytes reach the client. T-PROTO never emits one.
var Handshake = [2]byte{0x00, 0x00}

// Decoded is the result of successfully parsing the first upstream chunk.
type Decoded struct {
	Variant      Variant
	Host         string
	Port         uint16
	Payload      []byte // remainder of the chunk after the header
	NeedsAck     bool   // true only for V-PROTO
}

// Decode runs the length/first-byte prefilter and dispatches to the
// matching variant parser. ID is the configured 16-byte shared identifier.
func Decode(chunk []byte, id [idLen]byte) (Decoded, error) {
	switch {
	case len(chunk) >= 17 && chunk[0] == 0x00:
		return decodeV(chunk, id)
	case len(chunk) >= 58:
		return decodeT(chunk)
	default:
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
}

func decodeV(chunk []byte, id [idLen]byte) (Decoded, error) {
	if len(chunk) < 1+idLen+1 {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
	cursor := 1
	if subtle.ConstantTimeCompare(chunk[cursor:cursor+idLen], id[:]) != 1 {
		return Decoded{}, errs.New(errs.KindUnknownIdentifier, nil)
	}
	cursor += idLen

	if cursor >= len(chunk) {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
	optLen := int(chunk[cursor])
	// skip option-length byte, L option bytes, and the command byte.
	cursor += 1 + optLen + 1
	if cursor+2+1 > len(chunk) {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}

	port := binary.BigEndian.Uint16(chunk[cursor : cursor+2])
	cursor += 2

	atyp := chunk[cursor]
	cursor++

	host, newCursor, err := readVAddr(chunk, cursor, atyp)
	if err != nil {
		return Decoded{}, err
	}
	cursor = newCursor

	return Decoded{
		Variant:  VariantV,
		Host:     host,
		Port:     port,
		Payload:  chunk[cursor:],
		NeedsAck: true,
	}, nil
}

func readVAddr(chunk []byte, cursor int, atyp byte) (string, int, error) {
	switch atyp {
	case vAddrIPv4:
		if cursor+4 > len(chunk) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		host := ipv4String(chunk[cursor : cursor+4])
		return host, cursor + 4, nil
	case vAddrDomain:
		if cursor+1 > len(chunk) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		n := int(chunk[cursor])
		cursor++
		if cursor+n > len(chunk) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		domain := chunk[cursor : cursor+n]
		if !utf8.Valid(domain) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		return string(domain), cursor + n, nil
	case vAddrIPv6:
		// IPv6 is rejected outright rather than carried as a sentinel
		// string through to the dialer.
		return "", 0, errs.New(errs.KindUnsupportedAddressType, nil)
	default:
		return "", 0, errs.New(errs.KindUnsupportedAddressType, nil)
	}
}

func decodeT(chunk []byte) (Decoded, error) {
	if len(chunk) < tCredentialLen {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
	cursor := tCredentialLen
	cursor = skipCRLF(chunk, cursor)

	if cursor >= len(chunk) {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
	if chunk[cursor] != 0x01 {
		return Decoded{}, errs.New(errs.KindUnexpectedFraming, nil)
	}
	cursor++

	if cursor >= len(chunk) {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
	atyp := chunk[cursor]
	cursor++

	host, cursor, err := readTAddr(chunk, cursor, atyp)
	if err != nil {
		return Decoded{}, err
	}

	if cursor+2 > len(chunk) {
		return Decoded{}, errs.New(errs.KindMalformedHeader, nil)
	}
	port := binary.BigEndian.Uint16(chunk[cursor : cursor+2])
	cursor += 2

	cursor = skipCRLF(chunk, cursor)

	return Decoded{
		Variant: VariantT,
		Host:    host,
		Port:    port,
		Payload: chunk[cursor:],
	}, nil
}

func readTAddr(chunk []byte, cursor int, atyp byte) (string, int, error) {
	switch atyp {
	case tAddrIPv4:
		if cursor+4 > len(chunk) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		return ipv4String(chunk[cursor : cursor+4]), cursor + 4, nil
	case tAddrDomain:
		if cursor+1 > len(chunk) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		n := int(chunk[cursor])
		cursor++
		if cursor+n > len(chunk) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		domain := chunk[cursor : cursor+n]
		if !utf8.Valid(domain) {
			return "", 0, errs.New(errs.KindMalformedHeader, nil)
		}
		return string(domain), cursor + n, nil
	case tAddrIPv6:
		return "", 0, errs.New(errs.KindUnsupportedAddressType, nil)
	default:
		return "", 0, errs.New(errs.KindUnsupportedAddressType, nil)
	}
}

func skipCRLF(chunk []byte, cursor int) int {
	if cursor+1 < len(chunk) && chunk[cursor] == '\r' && chunk[cursor+1] == '\n' {
		return cursor + 2
	}
	return cursor
}

func ipv4String(b []byte) string {
	buf := make([]byte, 0, 15)
	for i, o := range b {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = appendUint(buf, o)
	}
	return string(buf)
}

func appendUint(buf []byte, v byte) []byte {
	if v >= 100 {
		buf = append(buf, '0'+v/100)
		v %= 100
		buf = append(buf, '0'+v/10)
		v %= 10
		buf = append(buf, '0'+v)
	} else if v >= 10 {
		buf = append(buf, '0'+v/10)
		v %= 10
		buf = append(buf, '0'+v)
	} else {
		buf = append(buf, '0'+v)
	}
	return buf
}
