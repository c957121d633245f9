package proto

import (
	"encoding/json"
	"testing"
)

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	cases := map[string]ID{
		`{"userId": 12345}`:   "12345",
		`{"userId": "12345"}`: "12345",
		`{"userId": "abc"}`:   "abc",
		`{"userId": null}`:    "",
	}
	for raw, want := range cases {
		var data RemoveBotData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if data.UserID != want {
			t.Fatalf("%s: got %q want %q", raw, data.UserID, want)
		}
	}

	var data RemoveBotData
	if err := json.Unmarshal([]byte(`{"userId": 1.5}`), &data); err == nil {
		t.Fatalf("expected fractional id to be rejected")
	}
}

func TestOutboundDataIsAlwaysAList(t *testing.T) {
	b, err := json.Marshal(NewOutbound(CmdConnect))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"cmd":"connect","data":[],"version":"1.0.0"}` {
		t.Fatalf("unexpected envelope: %s", b)
	}
}
