package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncode_FlatObjectWithType(t *testing.T) {
	data, err := Encode(AssistantDelta{ReplyID: "r-1", Text: "Once upon"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Encoded frame is not valid JSON: %v (%s)", err, data)
	}
	if got["type"] != TypeAssistantDelta {
		t.Errorf("type = %v, want %q", got["type"], TypeAssistantDelta)
	}
	if got["replyId"] != "r-1" {
		t.Errorf("replyId = %v, want %q", got["replyId"], "r-1")
	}
	if got["text"] != "Once upon" {
		t.Errorf("text = %v, want %q", got["text"], "Once upon")
	}
	if !strings.HasPrefix(string(data), `{"type":"assistant_delta"`) {
		t.Errorf("type should lead the object, got %s", data)
	}
}

func TestEncode_EmptyBody(t *testing.T) {
	data, err := Encode(UserMessage{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"type":"user_message","text":""}` {
		t.Errorf("unexpected encoding: %s", data)
	}

	data, err = Encode(Error{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"type":"error","message":""}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestEncode_RejectsUnknown(t *testing.T) {
	if _, err := Encode(Unknown{Type: "mystery"}); err == nil {
		t.Error("Encode(Unknown) should fail")
	}
	if _, err := Encode(nil); err == nil {
		t.Error("Encode(nil) should fail")
	}
}

func TestDecode_KnownTypes(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Frame
	}{
		{
			name: "session",
			data: `{"type":"session","connectionId":"c-1","sessionName":"Harbor Town","adventureName":"Lost Mine","followingMode":"STRICT"}`,
			want: Session{ConnectionID: "c-1", SessionName: "Harbor Town", AdventureName: "Lost Mine", FollowingMode: "STRICT"},
		},
		{
			name: "history request",
			data: `{"type":"history_request","limit":50}`,
			want: HistoryRequest{Limit: 50},
		},
		{
			name: "user message",
			data: `{"type":"user_message","text":"I open the door"}`,
			want: UserMessage{Text: "I open the door"},
		},
		{
			name: "user echo with origin",
			data: `{"type":"user_echo","text":"hi","originConnectionId":"c-2"}`,
			want: UserEcho{Text: "hi", OriginConnectionID: "c-2"},
		},
		{
			name: "assistant start",
			data: `{"type":"assistant_start","replyId":"r-1"}`,
			want: AssistantStart{ReplyID: "r-1"},
		},
		{
			name: "assistant done",
			data: `{"type":"assistant_done","replyId":"r-1","content":"**Hi**","renderedContent":"<p><strong>Hi</strong></p>"}`,
			want: AssistantDone{ReplyID: "r-1", Content: "**Hi**", RenderedContent: "<p><strong>Hi</strong></p>"},
		},
		{
			name: "connection scoped error",
			data: `{"type":"error","message":"Generation already in progress"}`,
			want: Error{Message: "Generation already in progress"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_History(t *testing.T) {
	data := `{"type":"history","turns":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":"b","renderedContent":"<p>b</p>","ts":"2025-01-02T03:04:05Z"}
	]}`
	f, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	h, ok := f.(History)
	if !ok {
		t.Fatalf("Decode returned %T, want History", f)
	}
	if len(h.Turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(h.Turns))
	}
	if h.Turns[0].Role != RoleUser || h.Turns[0].Display() != "a" {
		t.Errorf("turn 0 = %+v", h.Turns[0])
	}
	if h.Turns[1].Role != RoleAssistant || h.Turns[1].Display() != "<p>b</p>" {
		t.Errorf("turn 1 = %+v", h.Turns[1])
	}
	if h.Turns[1].Timestamp == nil || h.Turns[1].Timestamp.Year() != 2025 {
		t.Errorf("turn 1 timestamp = %v", h.Turns[1].Timestamp)
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	f, err := Decode([]byte(`{"type":"dice_roll","sides":20}`))
	if err != nil {
		t.Fatalf("Decode of unknown type failed: %v", err)
	}
	u, ok := f.(Unknown)
	if !ok {
		t.Fatalf("Decode returned %T, want Unknown", f)
	}
	if u.FrameType() != "dice_roll" {
		t.Errorf("FrameType() = %q, want %q", u.FrameType(), "dice_roll")
	}
	if !strings.Contains(string(u.Raw), `"sides":20`) {
		t.Errorf("Raw should keep the original payload, got %s", u.Raw)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `not json {{{`},
		{"missing type", `{"text":"hi"}`},
		{"wrong field type", `{"type":"history_request","limit":"many"}`},
		{"start without reply id", `{"type":"assistant_start"}`},
		{"delta without reply id", `{"type":"assistant_delta","text":"x"}`},
		{"done without reply id", `{"type":"assistant_done","content":"x"}`},
		{"draft without key", `{"type":"draft_update"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatalf("Decode(%s) = %#v, want error", tt.data, f)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %v is not a *DecodeError", err)
			}
		})
	}
}

func TestEncodeDecode_DraftUpdateKeepsPayload(t *testing.T) {
	in := DraftUpdate{Key: "actor_creation", Draft: json.RawMessage(`{"name":"Tamsin","level":1}`)}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, ok := f.(DraftUpdate)
	if !ok {
		t.Fatalf("Decode returned %T, want DraftUpdate", f)
	}
	if out.Key != in.Key {
		t.Errorf("Key = %q, want %q", out.Key, in.Key)
	}
	if string(out.Draft) != string(in.Draft) {
		t.Errorf("Draft = %s, want %s", out.Draft, in.Draft)
	}
}

func TestAssistantDone_Final(t *testing.T) {
	if got := (AssistantDone{Content: "raw"}).Final(); got != "raw" {
		t.Errorf("Final() = %q, want raw content when nothing is rendered", got)
	}
	if got := (AssistantDone{Content: "raw", RenderedContent: "<p>raw</p>"}).Final(); got != "<p>raw</p>" {
		t.Errorf("Final() = %q, want rendered content", got)
	}
}
