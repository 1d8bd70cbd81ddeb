// Package packet implements the wire framing and per-connection dynamic
// type negotiation described for the Packet Stream component: a 6-byte
// little-endian header (uint16 type id, uint32 payload length) followed by
// the opaque payload, with type 0 reserved for announcing name↔id bindings
// to the peer.
package packet

import (
	"encoding/binary"
	"errors"
)

// ControlTypeID is the reserved wire type carrying name↔id announcements.
const ControlTypeID uint16 = 0

// ControlPacketName is the logical name of the control packet itself.
const ControlPacketName = "core:define_packet_type"

// FirstDynamicID is the first id handed out to an application-level
// packet name; ids below it are reserved (only 0 is currently used).
const FirstDynamicID uint16 = 100

// ErrUnknownPacketType is returned by Decoder.Next for a non-control frame
// whose type id has no known name yet. It is recoverable: the frame is
// consumed and decoding continues with the next one.
var ErrUnknownPacketType = errors.New("packet: unknown packet type")

// ErrMalformed is returned for a control frame whose payload is too short
// to contain its own length-prefixed name.
var ErrMalformed = errors.New("packet: malformed control payload")

// Encode wraps payload in the 6-byte frame header for typeID.
func Encode(typeID uint16, payload []byte) []byte {
	buf := make([]byte, 6+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], typeID)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	return buf
}

// EncodeControlPayload builds the payload of a define_packet_type frame
// announcing that assignedID now means name.
func EncodeControlPayload(assignedID uint16, name string) []byte {
	buf := make([]byte, 6+len(name))
	binary.LittleEndian.PutUint16(buf[0:2], assignedID)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(name)))
	copy(buf[6:], name)
	return buf
}

// DecodeControlPayload parses a define_packet_type frame's payload.
func DecodeControlPayload(payload []byte) (assignedID uint16, name string, err error) {
	if len(payload) < 6 {
		return 0, "", ErrMalformed
	}
	assignedID = binary.LittleEndian.Uint16(payload[0:2])
	nameLen := binary.LittleEndian.Uint32(payload[2:6])
	if uint32(len(payload)-6) < nameLen {
		return 0, "", ErrMalformed
	}
	name = string(payload[6 : 6+nameLen])
	return assignedID, name, nil
}

// Outgoing tracks the name↔id bindings this side has handed out to its
// peer and the watermark of ids the peer has already been told about.
// Not safe for concurrent use without external locking — a Peer owns
// exactly one and serializes sends through its own code path.
type Outgoing struct {
	byName       map[string]uint16
	byID         map[uint16]string
	next         uint16
	highestKnown uint16 // highest id the peer has been sent a define_packet_type for; 0 means none
}

// NewOutgoing returns an empty outgoing registry, ids starting at
// FirstDynamicID.
func NewOutgoing() *Outgoing {
	return &Outgoing{
		byName: make(map[string]uint16),
		byID:   make(map[uint16]string),
		next:   FirstDynamicID,
	}
}

// Encode returns the full byte sequence to write to the peer for one
// application packet: zero or more define_packet_type frames catching the
// peer up to every id assigned so far, followed by the payload frame
// itself.
func (o *Outgoing) Encode(name string, payload []byte) []byte {
	id, ok := o.byName[name]
	if !ok {
		id = o.next
		o.next++
		o.byName[name] = id
		o.byID[id] = name
	}

	var out []byte
	start := int(o.highestKnown) + 1
	if start < int(FirstDynamicID) {
		start = int(FirstDynamicID)
	}
	for pending := start; pending < int(o.next); pending++ {
		pendingName, known := o.byID[uint16(pending)]
		if !known {
			continue
		}
		out = append(out, Encode(ControlTypeID, EncodeControlPayload(uint16(pending), pendingName))...)
	}
	o.highestKnown = o.next - 1
	return append(out, Encode(id, payload)...)
}

// Incoming tracks the id→name bindings this side has learned from its
// peer's define_packet_type frames.
type Incoming struct {
	byID map[uint16]string
}

// NewIncoming returns an empty incoming registry.
func NewIncoming() *Incoming {
	return &Incoming{byID: make(map[uint16]string)}
}

func (in *Incoming) install(id uint16, name string) { in.byID[id] = name }

// Name looks up the name bound to id.
func (in *Incoming) Name(id uint16) (string, bool) {
	name, ok := in.byID[id]
	return name, ok
}

// Decoded is one complete, named application packet extracted from a
// peer's byte stream.
type Decoded struct {
	Name    string
	Payload []byte
}

// Decoder consumes complete frames from an append-only buffer fed by
// Feed, transparently applying control frames to incoming and surfacing
// only application packets from Next. It is not safe for concurrent use;
// a Peer owns exactly one per read direction.
type Decoder struct {
	incoming *Incoming
	buf      []byte
}

// NewDecoder returns a Decoder that installs control-frame bindings into
// incoming as it encounters them.
func NewDecoder(incoming *Incoming) *Decoder {
	return &Decoder{incoming: incoming}
}

// Feed appends newly-read bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next extracts and returns the next complete application packet, or
// (nil, nil) if the buffer holds no full frame yet. Control frames are
// applied internally and never returned. An unknown non-control type id
// yields ErrUnknownPacketType for that single frame; the frame is still
// consumed, so a subsequent Next call continues with whatever follows it
// in the stream.
func (d *Decoder) Next() (*Decoded, error) {
	for {
		if len(d.buf) < 6 {
			return nil, nil
		}
		typeID := binary.LittleEndian.Uint16(d.buf[0:2])
		length := binary.LittleEndian.Uint32(d.buf[2:6])
		total := 6 + int(length)
		if len(d.buf) < total {
			return nil, nil
		}
		payload := d.buf[6:total]
		d.buf = d.buf[total:]

		if typeID == ControlTypeID {
			id, name, err := DecodeControlPayload(payload)
			if err != nil {
				return nil, err
			}
			d.incoming.install(id, name)
			continue
		}

		name, ok := d.incoming.Name(typeID)
		if !ok {
			return nil, ErrUnknownPacketType
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return &Decoded{Name: name, Payload: out}, nil
	}
}
