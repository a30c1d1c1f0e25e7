package call

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestInvitePayloadRoundTripIsByteIdentical(t *testing.T) {
	in := InvitePayload{
		Version:  0,
		CallID:   "c1700000000000.1",
		Offer:    SessionDescription{SDP: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", Type: "offer"},
		Lifetime: 60000,
	}
	first, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var decoded InvitePayload
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("round trip not byte-identical:\n%s\n%s", first, second)
	}
}

func TestCandidatesPayloadKeepsPlainFields(t *testing.T) {
	p := CandidatesPayload{
		Version: 0,
		CallID:  "c1.1",
		Candidates: []CandidateInit{
			{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 43123 typ host", SDPMid: "audio", SDPMLineIndex: 0},
		},
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	cands, ok := m["candidates"].([]any)
	if !ok || len(cands) != 1 {
		t.Fatalf("candidates missing: %s", b)
	}
	c := cands[0].(map[string]any)
	for _, key := range []string{"candidate", "sdpMid", "sdpMLineIndex"} {
		if _, ok := c[key]; !ok {
			t.Fatalf("candidate missing %q field: %s", key, b)
		}
	}
	if len(c) != 3 {
		t.Fatalf("candidate carries wrapper fields: %s", b)
	}
}

func TestHangupPayloadShape(t *testing.T) {
	b, err := json.Marshal(HangupPayload{Version: 0, CallID: "c2.1", Reason: "user_hangup"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"version":0,"call_id":"c2.1","reason":"user_hangup"}`
	if string(b) != want {
		t.Fatalf("unexpected hangup encoding: %s", b)
	}
}
