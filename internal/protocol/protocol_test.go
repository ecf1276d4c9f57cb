package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeInboundUpdatePosition(t *testing.T) {
	raw := []byte(`{"type":"updatePosition","data":{"documentId":" atomic-habits ","page":42,"userId":"u1","displayName":"Ada","seq":7}}`)

	event, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	update, ok := event.(*UpdatePositionEvent)
	if !ok {
		t.Fatalf("expected *UpdatePositionEvent, got %T", event)
	}
	if update.DocumentID != "atomic-habits" {
		t.Fatalf("expected trimmed document id, got %q", update.DocumentID)
	}
	if update.Page != 42 || update.Seq != 7 {
		t.Fatalf("unexpected page/seq %d/%d", update.Page, update.Seq)
	}
	if update.DeclaredUserID() != "u1" {
		t.Fatalf("expected declared user u1, got %q", update.DeclaredUserID())
	}
}

func TestDecodeInboundRejectsInvalidEvents(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "malformed json", raw: `{"type":`, want: ErrInvalidEvent},
		{name: "missing type", raw: `{"data":{}}`, want: ErrInvalidEvent},
		{name: "unknown type", raw: `{"type":"teleport","data":{}}`, want: ErrUnknownEvent},
		{name: "missing data", raw: `{"type":"join"}`, want: ErrInvalidEvent},
		{name: "page zero", raw: `{"type":"updatePosition","data":{"documentId":"d","page":0,"userId":"u"}}`, want: ErrInvalidEvent},
		{name: "blank text", raw: `{"type":"sendMessage","data":{"documentId":"d","page":1,"userId":"u","text":"   "}}`, want: ErrInvalidEvent},
		{name: "negative anchor", raw: `{"type":"sendReaction","data":{"documentId":"d","page":1,"anchorIndex":-1,"emoji":"🔥","userId":"u"}}`, want: ErrInvalidEvent},
		{name: "missing emoji", raw: `{"type":"sendReaction","data":{"documentId":"d","page":1,"anchorIndex":0,"userId":"u"}}`, want: ErrInvalidEvent},
		{name: "missing document", raw: `{"type":"leave","data":{}}`, want: ErrInvalidEvent},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(testCase.raw))
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestValidateNamesFailingFieldByJSONTag(t *testing.T) {
	err := Validate(&QueryPageReadersEvent{DocumentID: "d", Page: 0})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "page failed gte") {
		t.Fatalf("expected json field name in error, got %q", err.Error())
	}
}

func TestOutboundEncodesEnvelope(t *testing.T) {
	presence := NewPagePresence(3, nil)
	payload, err := json.Marshal(NewPagePresenceUpdated("doc-1", presence))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	expected := `{"type":"pagePresenceUpdated","documentId":"doc-1","data":{"page":3,"readers":[],"count":0}}`
	if string(payload) != expected {
		t.Fatalf("unexpected envelope\nwant %s\ngot  %s", expected, payload)
	}
}

func TestRateLimitExceededReportsWholeSeconds(t *testing.T) {
	event := NewRateLimitExceeded("doc-1", 60*time.Second)
	body, ok := event.Data.(RateLimitExceeded)
	if !ok {
		t.Fatalf("unexpected payload type %T", event.Data)
	}
	if body.CooldownSeconds != 60 {
		t.Fatalf("expected 60 second cooldown, got %d", body.CooldownSeconds)
	}
	if event.Type != OutboundRateLimitExceeded {
		t.Fatalf("unexpected type %s", event.Type)
	}
}
