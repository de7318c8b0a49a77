// Package wire defines the on-the-wire layout shared by Link, Hub,
// Endpoint and Tunnel: the 12-byte envelope, the E2E header and the
// service-lookup record, per spec §4.1 and §6. The hello beacon is
// defined in package beacon.
package wire

import (
	"encoding/binary"
	"errors"
)

// Sync bytes identifying the protocol, carried in every envelope.
var Sync = [2]byte{0xa5, 0x5a}

// Message command types (§4.1).
const (
	CmdHeartbeat          = 1
	CmdDirectoryRequest   = 2
	CmdDirectoryResponse  = 3
	CmdServiceLookupReq   = 4
	CmdServiceLookupResp  = 5
	CmdServiceActivate    = 6
	CmdMulticastMessage   = 7
	CmdMulticastAck       = 8
	CmdE2E                = 9
)

// Priority levels, packed into the low 2 bits of the envelope flags.
const (
	PriHigh = iota
	PriMedHigh
	PriMed
	PriLow
	NumPriorities
)

// EnvelopeLen is the fixed header size in bytes.
const EnvelopeLen = 12

// MaxMessageLen bounds a single framed message; larger lengths are a
// protocol violation (§4.1 "oversize messages").
const MaxMessageLen = 1 << 20

var (
	ErrBadSync     = errors.New("wire: bad sync bytes")
	ErrBadChecksum = errors.New("wire: checksum mismatch")
	ErrOversize    = errors.New("wire: message exceeds maximum length")
	ErrTruncated   = errors.New("wire: truncated message")
)

// Envelope is the fixed 12-byte header that precedes every message.
type Envelope struct {
	Cmd      uint16
	Length   uint32 // total length including header
	Priority uint8  // 0..3, see Pri* constants
	Checksum uint32 // low 24 bits significant
}

// Encode writes the envelope (with checksum computed over the header
// with the checksum field treated as zero) into a 12-byte buffer.
func (e Envelope) Encode() [EnvelopeLen]byte {
	var buf [EnvelopeLen]byte
	buf[0], buf[1] = Sync[0], Sync[1]
	binary.BigEndian.PutUint16(buf[2:4], e.Cmd)
	binary.BigEndian.PutUint32(buf[4:8], e.Length)
	buf[8] = e.Priority & 0x03
	buf[9], buf[10], buf[11] = 0, 0, 0
	sum := checksum(buf[:])
	buf[9] = byte(sum >> 16)
	buf[10] = byte(sum >> 8)
	buf[11] = byte(sum)
	return buf
}

// Decode parses a 12-byte header, validating sync and checksum.
func Decode(buf []byte) (Envelope, error) {
	if len(buf) < EnvelopeLen {
		return Envelope{}, ErrTruncated
	}
	if buf[0] != Sync[0] || buf[1] != Sync[1] {
		return Envelope{}, ErrBadSync
	}
	want := uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11])
	probe := make([]byte, EnvelopeLen)
	copy(probe, buf[:EnvelopeLen])
	probe[9], probe[10], probe[11] = 0, 0, 0
	got := checksum(probe)
	if got != want {
		return Envelope{}, ErrBadChecksum
	}
	e := Envelope{
		Cmd:      binary.BigEndian.Uint16(buf[2:4]),
		Length:   binary.BigEndian.Uint32(buf[4:8]),
		Priority: buf[8] & 0x03,
		Checksum: want,
	}
	if e.Length < EnvelopeLen || e.Length > MaxMessageLen {
		return Envelope{}, ErrOversize
	}
	return e, nil
}

// checksum is the byte sum of buf, truncated to 24 bits.
func checksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return sum & 0xffffff
}

// E2EHeaderLen is the fixed size of the header following the envelope
// for e2e/multicast/multicast-ack/service-lookup/service-activate.
const E2EHeaderLen = 22

// E2EHeader carries source/dest addressing and the sequence number.
type E2EHeader struct {
	SourceUID  uint64
	DestUID    uint64
	SourcePort uint16
	DestPort   uint16
	Seq        uint8
	Reserved   uint8
}

// Encode serializes the header to its fixed 22-byte wire form.
func (h E2EHeader) Encode() [E2EHeaderLen]byte {
	var buf [E2EHeaderLen]byte
	binary.BigEndian.PutUint64(buf[0:8], h.SourceUID)
	binary.BigEndian.PutUint64(buf[8:16], h.DestUID)
	binary.BigEndian.PutUint16(buf[16:18], h.SourcePort)
	binary.BigEndian.PutUint16(buf[18:20], h.DestPort)
	buf[20] = h.Seq
	buf[21] = h.Reserved
	return buf
}

// Append encodes the header and appends it to dst.
func (h E2EHeader) Append(dst []byte) []byte {
	enc := h.Encode()
	return append(dst, enc[:]...)
}

// DecodeE2EHeader reads an E2EHeader from the front of buf, returning
// the header and the remaining bytes.
func DecodeE2EHeader(buf []byte) (E2EHeader, []byte, error) {
	if len(buf) < E2EHeaderLen {
		return E2EHeader{}, nil, ErrTruncated
	}
	h := E2EHeader{
		SourceUID:  binary.BigEndian.Uint64(buf[0:8]),
		DestUID:    binary.BigEndian.Uint64(buf[8:16]),
		SourcePort: binary.BigEndian.Uint16(buf[16:18]),
		DestPort:   binary.BigEndian.Uint16(buf[18:20]),
		Seq:        buf[20],
		Reserved:   buf[21],
	}
	return h, buf[E2EHeaderLen:], nil
}

// Lookup response codes.
const (
	LookupNone    = 0
	LookupFail    = 0
	LookupSucceed = 1
	LookupRemove  = 2
)

// Service kinds.
const (
	KindNone      = 0
	KindMulticast = 1
	KindE2E       = 2
)

// ServicePathLen is the fixed width of the NUL-terminated path field.
const ServicePathLen = 256

// LookupRecordLen is the fixed width of a service-lookup record.
const LookupRecordLen = ServicePathLen + 1 + 1 + 8 + 2 + 4 + 2 + 2

// LookupRecord is the fixed-width record appended after the e2e header
// for service-lookup-request/response messages.
type LookupRecord struct {
	ServicePath     string
	Kind            uint8
	Response        uint8
	LookupUID       uint64
	ComponentIndex  uint16
	SequenceID      uint32
	LocalPort       uint16
	RemotePort      uint16
}

// Encode serializes the record into its fixed-width wire form.
func (r LookupRecord) Encode() []byte {
	buf := make([]byte, LookupRecordLen)
	copy(buf[0:ServicePathLen], []byte(r.ServicePath))
	off := ServicePathLen
	buf[off] = r.Kind
	buf[off+1] = r.Response
	binary.BigEndian.PutUint64(buf[off+2:off+10], r.LookupUID)
	binary.BigEndian.PutUint16(buf[off+10:off+12], r.ComponentIndex)
	binary.BigEndian.PutUint32(buf[off+12:off+16], r.SequenceID)
	binary.BigEndian.PutUint16(buf[off+16:off+18], r.LocalPort)
	binary.BigEndian.PutUint16(buf[off+18:off+20], r.RemotePort)
	return buf
}

// DecodeLookupRecord parses a fixed-width lookup record from buf.
func DecodeLookupRecord(buf []byte) (LookupRecord, error) {
	if len(buf) < LookupRecordLen {
		return LookupRecord{}, ErrTruncated
	}
	nul := ServicePathLen
	for i, b := range buf[:ServicePathLen] {
		if b == 0 {
			nul = i
			break
		}
	}
	off := ServicePathLen
	return LookupRecord{
		ServicePath:    string(buf[0:nul]),
		Kind:           buf[off],
		Response:       buf[off+1],
		LookupUID:      binary.BigEndian.Uint64(buf[off+2 : off+10]),
		ComponentIndex: binary.BigEndian.Uint16(buf[off+10 : off+12]),
		SequenceID:     binary.BigEndian.Uint32(buf[off+12 : off+16]),
		LocalPort:      binary.BigEndian.Uint16(buf[off+16 : off+18]),
		RemotePort:     binary.BigEndian.Uint16(buf[off+18 : off+20]),
	}, nil
}
