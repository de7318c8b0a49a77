package wire

import (
	"encoding/binary"

	"snchub/internal/uid"
)

// HeartbeatBody is the payload carried by a heartbeat message: the
// sender's identity (needed on the first heartbeat to validate tunnel
// policy) and, every tenth heartbeat, its full directory entry (§4.6).
type HeartbeatBody struct {
	UID           uid.UID
	ComponentType string // "hub" for a Hub, otherwise the client app's type
	DE            []byte // nil unless this heartbeat carries a full DE
}

// Encode serializes the heartbeat body.
func (h HeartbeatBody) Encode() []byte {
	buf := make([]byte, 0, 8+1+len(h.ComponentType)+2+len(h.DE))
	var uidBuf [8]byte
	binary.BigEndian.PutUint64(uidBuf[:], uint64(h.UID))
	buf = append(buf, uidBuf[:]...)
	buf = append(buf, byte(len(h.ComponentType)))
	buf = append(buf, h.ComponentType...)
	var deLen [2]byte
	binary.BigEndian.PutUint16(deLen[:], uint16(len(h.DE)))
	buf = append(buf, deLen[:]...)
	buf = append(buf, h.DE...)
	return buf
}

// DecodeHeartbeatBody parses a heartbeat payload.
func DecodeHeartbeatBody(buf []byte) (HeartbeatBody, error) {
	if len(buf) < 8+1 {
		return HeartbeatBody{}, ErrTruncated
	}
	var h HeartbeatBody
	h.UID = uid.UID(binary.BigEndian.Uint64(buf[0:8]))
	buf = buf[8:]
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n+2 {
		return HeartbeatBody{}, ErrTruncated
	}
	h.ComponentType = string(buf[:n])
	buf = buf[n:]
	deLen := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < deLen {
		return HeartbeatBody{}, ErrTruncated
	}
	if deLen > 0 {
		h.DE = append([]byte(nil), buf[:deLen]...)
	}
	return h, nil
}
