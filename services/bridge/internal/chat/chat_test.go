package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

func TestParseEventClassifies(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{
			name: "text",
			raw:  `{"type":"m.room.message","event_id":"$1","room_id":"!r:hs","sender":"@a:hs","content":{"msgtype":"m.text","body":"hi"}}`,
			want: KindText,
		},
		{
			name: "image",
			raw:  `{"type":"m.room.message","event_id":"$2","room_id":"!r:hs","sender":"@a:hs","content":{"msgtype":"m.image","body":"a.png","url":"mxc://hs/abc"}}`,
			want: KindMedia,
		},
		{
			name: "member",
			raw:  `{"type":"m.room.member","event_id":"$3","room_id":"!r:hs","sender":"@a:hs","state_key":"@b:hs","content":{"membership":"invite"}}`,
			want: KindMember,
		},
		{
			name: "reaction",
			raw:  `{"type":"m.reaction","event_id":"$4","room_id":"!r:hs","sender":"@a:hs","content":{}}`,
			want: KindOther,
		},
		{
			name: "location",
			raw:  `{"type":"m.room.message","event_id":"$5","room_id":"!r:hs","sender":"@a:hs","content":{"msgtype":"m.location","body":"here"}}`,
			want: KindOther,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := ParseEvent(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := Classify(evt); got != tc.want {
				t.Fatalf("kind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMembershipOfParsedEvent(t *testing.T) {
	evt, err := ParseEvent(json.RawMessage(`{"type":"m.room.member","event_id":"$3","room_id":"!r:hs","sender":"@a:hs","state_key":"@b:hs","content":{"membership":"join"},"unsigned":{"replaces_state":"$prev"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if Membership(evt) != event.MembershipJoin {
		t.Fatalf("membership = %q", Membership(evt))
	}
	if evt.Unsigned.ReplacesState != "$prev" {
		t.Fatalf("replaces_state = %q", evt.Unsigned.ReplacesState)
	}
}

func TestMessageContentMergesMetadata(t *testing.T) {
	msg := Message{
		Body:     "hello",
		HTML:     "<b>hello</b>",
		Metadata: map[string]any{MetaTo: []string{"a@x.com"}, MetaMailID: "m1"},
	}
	body, err := json.Marshal(msg.Content())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["msgtype"] != "m.text" || out["formatted_body"] != "<b>hello</b>" || out["mail_id"] != "m1" {
		t.Fatalf("unexpected content: %s", body)
	}
	to, ok := StringList(out, MetaTo)
	if !ok || len(to) != 1 || to[0] != "a@x.com" {
		t.Fatalf("to = %v, %v", to, ok)
	}

	plain, _ := json.Marshal(msg.WithoutHTML().Content())
	var plainOut map[string]any
	_ = json.Unmarshal(plain, &plainOut)
	if _, ok := plainOut["formatted_body"]; ok {
		t.Fatalf("expected no formatted body: %s", plain)
	}
}

func TestStringListRejectsMixedTypes(t *testing.T) {
	if _, ok := StringList(map[string]any{"to": []any{"a", 1}}, "to"); ok {
		t.Fatalf("expected mixed list to be rejected")
	}
	if _, ok := StringList(map[string]any{}, "to"); ok {
		t.Fatalf("expected missing key to be rejected")
	}
}

func TestErrorClassification(t *testing.T) {
	forbidden := fmt.Errorf("send: %w", mautrix.MForbidden)
	if !IsForbidden(forbidden) || IsTooLarge(forbidden) {
		t.Fatalf("forbidden misclassified")
	}
	tooLarge := mautrix.HTTPError{
		Response:  &http.Response{StatusCode: http.StatusRequestEntityTooLarge},
		RespError: &mautrix.RespError{ErrCode: "M_TOO_LARGE"},
	}
	if !IsTooLarge(fmt.Errorf("send: %w", tooLarge)) {
		t.Fatalf("too large not detected")
	}
	if !IsNotFound(mautrix.MNotFound) || IsNotFound(nil) {
		t.Fatalf("not found misclassified")
	}
}
