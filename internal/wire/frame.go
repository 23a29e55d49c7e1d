// Package wire implements the length-framed message envelope shared by the
// exchange, worker and controller, and the TLS connection it rides on.
//
// Wire format (spec §4.4):
//
//	MSG := LEN (8 bytes, big-endian, unsigned) || JSON_BYTES
//
// JSON_BYTES is the UTF-8 JSON encoding of {"msg_type": <tag>, "data": <obj>}.
// This replaces an earlier sentinel-terminated scheme; the length prefix is
// mandatory because it is robust to payloads containing arbitrary bytes.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/TomMelt/mdb-go/internal/message"
)

// MaxFrameSize bounds the length prefix so a corrupt or hostile peer can't
// make a reader allocate an unbounded buffer.
const MaxFrameSize = 64 * 1024 * 1024 // 64MiB

// wireEnvelope is the on-the-wire JSON shape.
type wireEnvelope struct {
	MsgType message.Tag    `json:"msg_type"`
	Data    map[string]any `json:"data"`
}

// Encode serializes a Message into its length-prefixed wire form.
func Encode(m message.Message) ([]byte, error) {
	payload, err := json.Marshal(wireEnvelope{MsgType: m.Type, Data: m.Data})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("wire: encoded message of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}

	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], uint64(len(payload)))
	copy(buf[8:], payload)
	return buf, nil
}

// WriteMessage encodes m and writes it in full to w.
func WriteMessage(w io.Writer, m message.Message) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one length-prefixed frame from r and decodes it.
//
// For exchange_command_response, results' keys are ranks; JSON object keys
// are always strings, so the caller-visible map re-coerces them to ints
// here — this is the only tag with numeric-keyed maps (spec §4.4).
func ReadMessage(r io.Reader) (message.Message, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return message.Message{}, fmt.Errorf("wire: reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if n > MaxFrameSize {
		return message.Message{}, fmt.Errorf("wire: frame of %d bytes exceeds max frame size %d", n, MaxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return message.Message{}, fmt.Errorf("wire: reading payload: %w", err)
	}

	var env wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return message.Message{}, fmt.Errorf("wire: decoding json: %w", err)
	}

	if env.MsgType == message.TagExchangeCommandResp {
		if err := coerceResultsKeys(env.Data); err != nil {
			return message.Message{}, err
		}
	}
	normalizeNumbers(env.Data)

	return message.Message{Type: env.MsgType, Data: env.Data}, nil
}

// coerceResultsKeys rewrites data["results"] from map[string]any (string
// rank keys, as JSON requires) to map[int]any so Go callers can index by
// rank directly, per spec §4.4's deserialisation note.
func coerceResultsKeys(data map[string]any) error {
	raw, ok := data["results"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("wire: exchange_command_response.results is not an object")
	}
	out := make(map[int]any, len(m))
	for k, v := range m {
		var rank int
		if _, err := fmt.Sscanf(k, "%d", &rank); err != nil {
			return fmt.Errorf("wire: non-integer rank key %q in results: %w", k, err)
		}
		out[rank] = v
	}
	data["results"] = out
	return nil
}

// normalizeNumbers converts json.Number leaves (produced by UseNumber, so
// integers like "select": [0,1] round-trip exactly instead of becoming
// float64) into int64/float64 as appropriate. Applied recursively to data.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			t[k] = normalizeNumbers(vv)
		}
		return t
	case map[int]any:
		for k, vv := range t {
			t[k] = normalizeNumbers(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = normalizeNumbers(vv)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
