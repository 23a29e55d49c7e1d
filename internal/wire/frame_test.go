package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/TomMelt/mdb-go/internal/message"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := message.New(message.TagMdbCommandRequest, map[string]any{
		"command": "print x",
		"select":  []any{int64(0), int64(1)},
	})

	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ReadMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != m.Type {
		t.Fatalf("Type = %q, want %q", got.Type, m.Type)
	}
	if got.String("command") != "print x" {
		t.Fatalf("command = %q, want %q", got.String("command"), "print x")
	}
	sel, ok := got.Data["select"].([]any)
	if !ok || len(sel) != 2 || sel[0].(int64) != 0 || sel[1].(int64) != 1 {
		t.Fatalf("select = %#v, want [0 1]", got.Data["select"])
	}
}

func TestReadMessage_CoercesResultsKeysToInt(t *testing.T) {
	m := message.New(message.TagExchangeCommandResp, map[string]any{
		"results": map[string]any{"0": "out0", "2": "out2"},
	})
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ReadMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	results, ok := got.Data["results"].(map[int]any)
	if !ok {
		t.Fatalf("results type = %T, want map[int]any", got.Data["results"])
	}
	if results[0] != "out0" || results[2] != "out2" {
		t.Fatalf("results = %#v", results)
	}
}

func TestReadMessage_NonIntegerResultsKeyIsError(t *testing.T) {
	raw := []byte(`{"msg_type":"exchange_command_response","data":{"results":{"not-a-rank":"x"}}}`)
	buf := make([]byte, 8+len(raw))
	binary.BigEndian.PutUint64(buf[:8], uint64(len(raw)))
	copy(buf[8:], raw)

	if _, err := ReadMessage(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for non-integer rank key")
	}
}

func TestReadMessage_OtherTagsKeepStringKeys(t *testing.T) {
	m := message.New(message.TagDebugCommandResp, map[string]any{
		"result": map[string]any{"0": "out"},
	})
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ReadMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	result, ok := got.Data["result"].(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map[string]any (untouched)", got.Data["result"])
	}
	if result["0"] != "out" {
		t.Fatalf("result[\"0\"] = %v, want out", result["0"])
	}
}

func TestEncode_RejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", MaxFrameSize+1)
	m := message.New(message.TagExchangeInfo, map[string]any{"message": big})
	if _, err := Encode(m); err == nil {
		t.Fatal("expected error for payload exceeding MaxFrameSize")
	}
}

func TestReadMessage_RejectsOversizedLengthPrefix(t *testing.T) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], MaxFrameSize+1)
	if _, err := ReadMessage(bytes.NewReader(lenBuf[:])); err == nil {
		t.Fatal("expected error for oversized length prefix")
	}
}

func TestReadMessage_TruncatedPayloadIsError(t *testing.T) {
	m := message.New(message.TagPing, nil)
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := buf[:len(buf)-1]
	if _, err := ReadMessage(bytes.NewReader(truncated)); err != io.ErrUnexpectedEOF && err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestWriteMessage_ThenReadMessage(t *testing.T) {
	var buf bytes.Buffer
	m := message.New(message.TagPong, nil)
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != message.TagPong {
		t.Fatalf("Type = %q, want %q", got.Type, message.TagPong)
	}
}
