// Package beacon implements presence: periodic subnet-broadcast hello
// datagrams and a discovery table with liveness timeout (§4.2).
package beacon

import (
	"encoding/binary"
	"errors"

	"snchub/internal/uid"
)

// Sync prefix identifying a hello datagram (§6).
var Sync = [4]byte{0xff, 0xa5, 0x5a, 0x11}

// ComponentType values carried in the priority byte's sibling field.
const (
	TypeNone = 0
)

// Status codes dispatched to the owning component.
const (
	StatusDown         = 0
	StatusUp           = 1
	StatusSolicitation = 2
)

var errTruncated = errors.New("beacon: truncated hello datagram")

// Hello is the decoded form of a hello beacon.
type Hello struct {
	IP            [4]byte
	UID           uid.UID
	AppName       string
	ComponentType string
	Priority      uint8 // Hub only
	IntervalMs    uint16
	Solicit       bool // true for a non-Hub solicitation hello
}

// Encode serializes h into its wire form.
func (h Hello) Encode() []byte {
	buf := make([]byte, 0, 4+4+8+1+64+1+32+1+1+2)
	buf = append(buf, Sync[:]...)
	buf = append(buf, h.IP[:]...)
	var uidBuf [8]byte
	binary.BigEndian.PutUint64(uidBuf[:], uint64(h.UID))
	buf = append(buf, uidBuf[:]...)
	buf = appendShortString(buf, h.AppName)
	buf = appendShortString(buf, h.ComponentType)
	buf = append(buf, h.Priority)
	var solicit byte
	if h.Solicit {
		solicit = 1
	}
	buf = append(buf, solicit)
	var intervalBuf [2]byte
	binary.BigEndian.PutUint16(intervalBuf[:], h.IntervalMs)
	buf = append(buf, intervalBuf[:]...)
	return buf
}

// Decode parses a hello datagram, validating the sync prefix.
func Decode(buf []byte) (Hello, error) {
	if len(buf) < 4 {
		return Hello{}, errTruncated
	}
	if buf[0] != Sync[0] || buf[1] != Sync[1] || buf[2] != Sync[2] || buf[3] != Sync[3] {
		return Hello{}, errors.New("beacon: bad sync")
	}
	buf = buf[4:]
	if len(buf) < 4+8 {
		return Hello{}, errTruncated
	}
	var h Hello
	copy(h.IP[:], buf[0:4])
	h.UID = uid.UID(binary.BigEndian.Uint64(buf[4:12]))
	buf = buf[12:]

	var err error
	h.AppName, buf, err = readShortString(buf)
	if err != nil {
		return Hello{}, err
	}
	h.ComponentType, buf, err = readShortString(buf)
	if err != nil {
		return Hello{}, err
	}
	if len(buf) < 1+1+2 {
		return Hello{}, errTruncated
	}
	h.Priority = buf[0]
	h.Solicit = buf[1] != 0
	h.IntervalMs = binary.BigEndian.Uint16(buf[2:4])
	return h, nil
}

func appendShortString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readShortString(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, errTruncated
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, errTruncated
	}
	return string(buf[:n]), buf[n:], nil
}
