package record

import (
	"bytes"
	"fmt"
)

// EventKind is the closed set of event kinds the engine stores.
type EventKind int

const (
	EventTTL EventKind = iota
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventTTL:
		return "TTL"
	case EventMessage:
		return "Messages"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Raw event layout: byte 0 is the event type, byte 1 the node id, byte 2
// the event channel. TTL payloads start at byte 3, message text at byte 6.
const (
	eventNodeOffset    = 1
	eventChannelOffset = 2
	ttlPayloadOffset   = 3
	textPayloadOffset  = 6
)

// Event is a decoded raw event record.
type Event struct {
	Kind    EventKind
	NodeID  uint8
	Channel uint8
	Payload []byte
}

// DecodeEvent splits a raw event record into its header and payload. The
// payload aliases raw.
func DecodeEvent(kind EventKind, raw []byte) (Event, error) {
	ev := Event{Kind: kind}
	var off int
	switch kind {
	case EventTTL:
		off = ttlPayloadOffset
		if len(raw) < off+1 {
			return ev, fmt.Errorf("TTL event: %d bytes, want at least %d", len(raw), off+1)
		}
		ev.Payload = raw[off : off+1]
	case EventMessage:
		off = textPayloadOffset
		if len(raw) < off {
			return ev, fmt.Errorf("message event: %d bytes, want at least %d", len(raw), off)
		}
		ev.Payload = raw[off:]
		if i := bytes.IndexByte(ev.Payload, 0); i >= 0 {
			ev.Payload = ev.Payload[:i]
		}
	default:
		return ev, fmt.Errorf("unsupported event kind %v", kind)
	}
	ev.NodeID = raw[eventNodeOffset]
	ev.Channel = raw[eventChannelOffset]
	return ev, nil
}

// EncodeTTL builds the raw record of a TTL transition.
func EncodeTTL(nodeID, channel, state uint8) []byte {
	return []byte{byte(EventTTL), nodeID, channel, state}
}

// EncodeMessage builds the raw record of a text message.
func EncodeMessage(nodeID, channel uint8, text string) []byte {
	raw := make([]byte, textPayloadOffset, textPayloadOffset+len(text))
	raw[0] = byte(EventMessage)
	raw[eventNodeOffset] = nodeID
	raw[eventChannelOffset] = channel
	return append(raw, text...)
}

// Electrode is a group of channels whose spikes are stored together.
type Electrode struct {
	Name     string
	Channels int
}

// Spike is one detected spike: Samples points per channel, channel-major.
type Spike struct {
	Timestamp int64
	Samples   int
	Data      []uint16
}
