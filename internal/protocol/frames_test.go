package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(KeyJoinAck, JoinAckPayload{Status: "success", Key: "abc123"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	wire, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Key != KeyJoinAck {
		t.Errorf("key = %q, want %q", got.Key, KeyJoinAck)
	}
	var ack JoinAckPayload
	if err := got.DecodeData(&ack); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if ack.Status != "success" || ack.Key != "abc123" {
		t.Errorf("payload = %+v", ack)
	}
}

func TestFrameNilData(t *testing.T) {
	f, err := NewFrame(KeyInferenceEnded, nil)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	wire, _ := f.Encode()
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Key != KeyInferenceEnded {
		t.Errorf("key = %q", got.Key)
	}
	if len(got.Data) != 0 {
		t.Errorf("data should be empty, got %s", got.Data)
	}
}

func TestDecodeRawBytes(t *testing.T) {
	cases := [][]byte{
		[]byte("data: {\"choices\":[]}\n\n"),
		[]byte("not json at all"),
		{0x00, 0x01, 0xff},
		[]byte(`{"noKey":true}`),
		[]byte(`{"key":""}`),
	}
	for _, c := range cases {
		if _, err := Decode(c); err != ErrNotAFrame {
			t.Errorf("Decode(%q) err = %v, want ErrNotAFrame", c, err)
		}
	}
}

func TestDecodeUnknownKeyStillAFrame(t *testing.T) {
	// Unknown keys are valid frames; the dispatcher ignores them.
	f, err := Decode([]byte(`{"key":"futureThing","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Key != "futureThing" {
		t.Errorf("key = %q", f.Key)
	}
}

func TestChallengeBase64(t *testing.T) {
	// []byte fields must be base64 on the wire.
	f, err := NewFrame(KeyChallenge, ChallengePayload{Challenge: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	wire, _ := f.Encode()
	if !bytes.Contains(wire, []byte(`"AQID"`)) {
		t.Errorf("challenge not base64 encoded: %s", wire)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	msgs := [][]byte{
		[]byte(`{"key":"join","data":{"modelName":"llama3"}}`),
		[]byte("raw provider chunk"),
		{},
	}
	for _, m := range msgs {
		if err := w.WriteMsg(m); err != nil {
			t.Fatalf("WriteMsg: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range msgs {
		got, err := r.ReadMsg()
		if err != nil {
			t.Fatalf("ReadMsg %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("msg %d = %q, want %q", i, got, want)
		}
	}
}

func TestInferencePayloadShape(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi"}],"key":"deadbeef"}`)
	var p InferencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.Messages) != 1 || p.Messages[0].Content != "hi" || p.Key != "deadbeef" {
		t.Errorf("payload = %+v", p)
	}
}
