// Package directory implements DirMgr: parsing of per-endpoint
// directory entries (DE), per-connection service-list bookkeeping,
// service lookup and directory-change diffusion (§4.4).
//
// The wire encoding is a small self-contained length-prefixed binary
// format rather than the tag-string grammar of spec §6: per Design
// Note §9 no external peer compatibility is required, so the parser
// collapses to the encode/decode pair below.
package directory

import (
	"encoding/binary"
	"errors"

	"snchub/internal/uid"
)

// ServiceKind mirrors wire.Kind* but is declared locally so directory
// has no dependency on the wire package's message framing.
type ServiceKind uint8

const (
	ServiceHole      ServiceKind = 0 // explicit no-service hole
	ServiceMulticast ServiceKind = 1
	ServiceE2E       ServiceKind = 2
)

// ServiceDecl is one slot entry in a component's DE: a name and kind,
// or a hole. Its position in Services is its port number. Port carries
// the Hub-rewritten wire port (the MCastMgr slot index for multicast
// services) once the component has appeared in a directory the Hub
// reflects back to connections; it is ignored on a client-declared DE.
type ServiceDecl struct {
	Name string
	Kind ServiceKind
	Port uint16
}

// ComponentDoc is one parsed component document.
type ComponentDoc struct {
	UID           uid.UID
	AppName       string
	ComponentType string
	Services      []ServiceDecl
}

var errTruncated = errors.New("directory: truncated DE")

// EncodeComponent serializes one component document.
func EncodeComponent(c ComponentDoc) []byte {
	buf := make([]byte, 0, 64)
	var uidBuf [8]byte
	binary.BigEndian.PutUint64(uidBuf[:], uint64(c.UID))
	buf = append(buf, uidBuf[:]...)
	buf = appendString(buf, c.AppName)
	buf = appendString(buf, c.ComponentType)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(c.Services)))
	buf = append(buf, countBuf[:]...)
	for _, svc := range c.Services {
		buf = append(buf, byte(svc.Kind))
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], svc.Port)
		buf = append(buf, portBuf[:]...)
		buf = appendString(buf, svc.Name)
	}
	return buf
}

// EncodeDE concatenates length-prefixed component documents into one DE.
func EncodeDE(docs []ComponentDoc) []byte {
	var out []byte
	for _, d := range docs {
		body := EncodeComponent(d)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
		out = append(out, lenBuf[:]...)
		out = append(out, body...)
	}
	return out
}

// ParseDE decodes a concatenation of length-prefixed component documents,
// returning each document together with its raw undecoded bytes (used
// for the byte-identity short-circuit in ProcessDE).
func ParseDE(buf []byte) ([]ComponentDoc, [][]byte, error) {
	var docs []ComponentDoc
	var raws [][]byte
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, nil, errTruncated
		}
		n := binary.BigEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if uint32(len(buf)) < n {
			return nil, nil, errTruncated
		}
		raw := buf[:n]
		doc, err := decodeComponent(raw)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
		raws = append(raws, raw)
		buf = buf[n:]
	}
	return docs, raws, nil
}

func decodeComponent(buf []byte) (ComponentDoc, error) {
	if len(buf) < 8 {
		return ComponentDoc{}, errTruncated
	}
	var d ComponentDoc
	d.UID = uid.UID(binary.BigEndian.Uint64(buf[0:8]))
	buf = buf[8:]

	var err error
	d.AppName, buf, err = readString(buf)
	if err != nil {
		return ComponentDoc{}, err
	}
	d.ComponentType, buf, err = readString(buf)
	if err != nil {
		return ComponentDoc{}, err
	}
	if len(buf) < 2 {
		return ComponentDoc{}, errTruncated
	}
	count := binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	d.Services = make([]ServiceDecl, 0, count)
	for i := 0; i < int(count); i++ {
		if len(buf) < 3 {
			return ComponentDoc{}, errTruncated
		}
		kind := ServiceKind(buf[0])
		port := binary.BigEndian.Uint16(buf[1:3])
		buf = buf[3:]
		var name string
		name, buf, err = readString(buf)
		if err != nil {
			return ComponentDoc{}, err
		}
		d.Services = append(d.Services, ServiceDecl{Name: name, Kind: kind, Port: port})
	}
	return d, nil
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
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
