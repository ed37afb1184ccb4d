package dns

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/juju/errors"
)

type Type uint16

const (
	TypeA    Type = 1
	TypeAAAA Type = 28
)

func (t Type) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeAAAA:
		return "AAAA"
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

const (
	Port = 53

	ClassIN    = 1
	headerSize = 12
	// standard query, recursion desired
	flagsQuery  = 0x0100
	rcodeMask   = 0x000f
	pointerMask = 0xc0
	maxLabel    = 63
	maxName     = 255
)

var (
	ErrNoAnswer   = errors.New("dns no answer")
	errIDMismatch = errors.New("dns response id mismatch")
)

// BuildQuery encodes one question of type t for name.
func BuildQuery(id uint16, name string, t Type) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, errors.NotValidf("dns name empty")
	}
	if len(name)+2 > maxName {
		return nil, errors.NotValidf("dns name length=%d", len(name))
	}
	b := make([]byte, headerSize, headerSize+len(name)+6)
	binary.BigEndian.PutUint16(b[0:], id)
	binary.BigEndian.PutUint16(b[2:], flagsQuery)
	binary.BigEndian.PutUint16(b[4:], 1) // qdcount
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > maxLabel {
			return nil, errors.NotValidf("dns name=%q label=%q", name, label)
		}
		b = append(b, byte(len(label)))
		b = append(b, label...)
	}
	b = append(b, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint16(b[len(b)-4:], uint16(t))
	binary.BigEndian.PutUint16(b[len(b)-2:], ClassIN)
	return b, nil
}

// ParseResponse returns first answer of type t in text form:
// dotted quad for A, eight 4-digit hex groups for AAAA.
func ParseResponse(b []byte, id uint16, t Type) (string, error) {
	if len(b) < headerSize {
		return "", errors.NotValidf("dns response length=%d", len(b))
	}
	if rid := binary.BigEndian.Uint16(b[0:]); rid != id {
		return "", errors.Annotatef(errIDMismatch, "id=%04x expected=%04x", rid, id)
	}
	flags := binary.BigEndian.Uint16(b[2:])
	if rcode := flags & rcodeMask; rcode != 0 {
		return "", errors.Annotatef(ErrNoAnswer, "rcode=%d", rcode)
	}
	qdcount := int(binary.BigEndian.Uint16(b[4:]))
	ancount := int(binary.BigEndian.Uint16(b[6:]))
	if ancount == 0 {
		return "", ErrNoAnswer
	}

	i := headerSize
	var err error
	for q := 0; q < qdcount; q++ {
		if i, err = skipName(b, i); err != nil {
			return "", err
		}
		i += 4 // type, class
	}
	for a := 0; a < ancount; a++ {
		if i, err = skipName(b, i); err != nil {
			return "", err
		}
		if i+10 > len(b) {
			return "", errors.NotValidf("dns answer header truncated at %d", i)
		}
		rtype := Type(binary.BigEndian.Uint16(b[i:]))
		rclass := binary.BigEndian.Uint16(b[i+2:])
		rdlen := int(binary.BigEndian.Uint16(b[i+8:]))
		i += 10
		if i+rdlen > len(b) {
			return "", errors.NotValidf("dns rdata length=%d truncated at %d", rdlen, i)
		}
		rdata := b[i : i+rdlen]
		i += rdlen
		if rtype != t || rclass != ClassIN {
			continue
		}
		switch {
		case t == TypeA && rdlen == net.IPv4len:
			return net.IP(rdata).String(), nil
		case t == TypeAAAA && rdlen == net.IPv6len:
			parts := make([]string, 8)
			for k := range parts {
				parts[k] = fmt.Sprintf("%04x", binary.BigEndian.Uint16(rdata[2*k:]))
			}
			return strings.Join(parts, ":"), nil
		}
	}
	return "", errors.Annotatef(ErrNoAnswer, "type=%s", t)
}

// skipName walks labels to zero terminator or a compression pointer.
func skipName(b []byte, i int) (int, error) {
	for {
		if i >= len(b) {
			return 0, errors.NotValidf("dns name truncated at %d", i)
		}
		l := int(b[i])
		switch {
		case l&pointerMask == pointerMask:
			if i+2 > len(b) {
				return 0, errors.NotValidf("dns name pointer truncated at %d", i)
			}
			return i + 2, nil
		case l == 0:
			return i + 1, nil
		}
		i += 1 + l
	}
}
