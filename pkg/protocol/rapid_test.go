package protocol

import (
	"testing"

	"pgregory.net/rapid"
)

// TestEnvelopeRoundTrip tests that any chat_message payload survives the
// encode/decode cycle unchanged.
func TestEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := ChatMessage{
			Msg:  rapid.String().Draw(t, "msg"),
			Kind: rapid.SampledFrom([]string{KindText, KindImage, KindVideo, KindAudio, KindFile}).Draw(t, "kind"),
		}
		if rapid.Bool().Draw(t, "hasReply") {
			id := rapid.Int64Range(1, 1<<40).Draw(t, "replyTo")
			msg.ReplyTo = &id
		}

		raw, err := MarshalEvent(EventChatMessage, &msg)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		env, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode envelope failed: %v", err)
		}
		if env.Type != EventChatMessage {
			t.Fatalf("type mismatch: got %q", env.Type)
		}

		var decoded ChatMessage
		if err := env.Bind(&decoded); err != nil {
			t.Fatalf("bind failed: %v", err)
		}
		if decoded.Msg != msg.Msg {
			t.Fatalf("msg mismatch: got %q, want %q", decoded.Msg, msg.Msg)
		}
		if decoded.Kind != msg.Kind {
			t.Fatalf("kind mismatch: got %q, want %q", decoded.Kind, msg.Kind)
		}
		switch {
		case msg.ReplyTo == nil && decoded.ReplyTo != nil:
			t.Fatalf("unexpected reply_to %d", *decoded.ReplyTo)
		case msg.ReplyTo != nil && (decoded.ReplyTo == nil || *decoded.ReplyTo != *msg.ReplyTo):
			t.Fatalf("reply_to mismatch")
		}
	})
}

// TestMessageRoundTrip tests the stored-message wire form, including the
// optional reply snapshot.
func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orig := Message{
			ID:        rapid.Int64Range(1, 1<<50).Draw(t, "id"),
			Author:    rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "author"),
			Msg:       rapid.String().Draw(t, "msg"),
			Kind:      rapid.SampledFrom([]string{KindText, KindImage, KindVideo, KindAudio, KindFile}).Draw(t, "kind"),
			Timestamp: rapid.Int64Range(1, 1<<50).Draw(t, "ts"),
		}
		if rapid.Bool().Draw(t, "isReply") {
			id := rapid.Int64Range(1, orig.ID).Draw(t, "replyTo")
			orig.ReplyTo = &id
			orig.Reply = &ReplySnapshot{
				Author: rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "replyAuthor"),
				Kind:   KindText,
				Msg:    rapid.String().Draw(t, "replyMsg"),
			}
		}

		raw, err := MarshalEvent(EventMessageCreated, &orig)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode envelope failed: %v", err)
		}

		var decoded Message
		if err := env.Bind(&decoded); err != nil {
			t.Fatalf("bind failed: %v", err)
		}
		if decoded.ID != orig.ID || decoded.Author != orig.Author || decoded.Msg != orig.Msg ||
			decoded.Kind != orig.Kind || decoded.Timestamp != orig.Timestamp {
			t.Fatalf("message mismatch: got %+v, want %+v", decoded, orig)
		}
		if orig.Reply != nil {
			if decoded.Reply == nil {
				t.Fatalf("reply snapshot lost")
			}
			if *decoded.Reply != *orig.Reply {
				t.Fatalf("reply snapshot mismatch: got %+v, want %+v", *decoded.Reply, *orig.Reply)
			}
		}
	})
}
