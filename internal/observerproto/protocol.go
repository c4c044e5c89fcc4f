package observerproto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe           = "SUBSCRIBE"
	TypeBlockIndex          = "BLOCK_INDEX"
	TypeBufferSummary       = "BUFFER_SUMMARY"
	TypeSuppressionSnapshot = "SUPPRESSION_SNAPSHOT"
)

// Frame encodings a subscriber may ask for. JSON frames are sent as text,
// msgpack frames as binary.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// MachineIDs limits summaries to these machines; empty means all.
	MachineIDs []int64 `json:"machine_ids,omitempty"`
	Encoding   string  `json:"encoding,omitempty"`

	// Suppression asks for SUPPRESSION_SNAPSHOT alongside each summary.
	Suppression bool `json:"suppression,omitempty"`
}

// Server -> Client. Sent once after subscribing.
type BlockIndexMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Tick            uint64            `json:"tick"`
	PaletteDigest   string            `json:"palette_digest"`
	Entries         []BlockIndexEntry `json:"entries"`
}

type BlockIndexEntry struct {
	Compact uint16 `json:"compact"`
	Name    string `json:"name"`
}

// Server -> Client. Sent every summary period.
type BufferSummaryMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Tick            uint64           `json:"tick"`
	Machines        []MachineSummary `json:"machines"`
}

type MachineSummary struct {
	ID     int64  `json:"id"`
	Anchor [3]int `json:"anchor"`
	XSize  int    `json:"x_size"`
	ZSize  int    `json:"z_size"`

	CurrentY int  `json:"current_y"`
	Progress int  `json:"progress"`
	Running  bool `json:"running"`

	Compact       []CountEntry `json:"compact"`
	Overflow      []CountEntry `json:"overflow"`
	ReadyCompact  []CountEntry `json:"ready_compact"`
	ReadyOverflow []CountEntry `json:"ready_overflow"`
}

// CountEntry is one material tally. IDs are compact ids in compact lists and
// wide ids in overflow lists.
type CountEntry struct {
	ID    uint32 `json:"id"`
	Count uint64 `json:"count"`
}

// Server -> Client. Non-empty suppression levels per chunk column.
type SuppressionSnapshotMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Tick            uint64             `json:"tick"`
	Chunks          []SuppressionChunk `json:"chunks"`
}

type SuppressionChunk struct {
	CX     int                `json:"cx"`
	CZ     int                `json:"cz"`
	Levels []SuppressionLevel `json:"levels"`
}

// SuppressionLevel is a 16x16 bitset; bit z*16+x of the 256-bit value is
// stored little-endian across the four words.
type SuppressionLevel struct {
	Y     int       `json:"y"`
	Bits  [4]uint64 `json:"bits"`
	Count int       `json:"count"`
}

// BootstrapResponse is served over plain HTTP before an observer connects.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Tick            uint64 `json:"tick"`
	TickRateHz      int    `json:"tick_rate_hz"`
	MinY            int    `json:"min_y"`
	MaxY            int    `json:"max_y"`
	Seed            int64  `json:"seed"`
	PaletteDigest   string `json:"palette_digest"`
	Machines        int    `json:"machines"`
}

// NormalizeEncoding maps empty or unknown encodings to JSON.
func NormalizeEncoding(enc string) string {
	if enc == EncodingMsgpack {
		return EncodingMsgpack
	}
	return EncodingJSON
}

// Encode marshals v in the given encoding. binary reports whether the frame
// must be sent as a binary websocket message.
func Encode(enc string, v any) (b []byte, binary bool, err error) {
	switch NormalizeEncoding(enc) {
	case EncodingMsgpack:
		var buf bytes.Buffer
		me := msgpack.NewEncoder(&buf)
		me.SetCustomStructTag("json")
		if err := me.Encode(v); err != nil {
			return nil, true, fmt.Errorf("msgpack: %w", err)
		}
		return buf.Bytes(), true, nil
	default:
		b, err := json.Marshal(v)
		return b, false, err
	}
}

// Decode is the inverse of Encode.
func Decode(enc string, b []byte, v any) error {
	switch NormalizeEncoding(enc) {
	case EncodingMsgpack:
		md := msgpack.NewDecoder(bytes.NewReader(b))
		md.SetCustomStructTag("json")
		return md.Decode(v)
	default:
		return json.Unmarshal(b, v)
	}
}
