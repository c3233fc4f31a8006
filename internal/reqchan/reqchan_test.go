package reqchan

import (
	"context"
	"testing"
	"time"
)

func TestSendRoundTrip(t *testing.T) {
	sender, ch := New[string, int]()

	go func() {
		req := <-ch
		req.Respond(len(req.Data))
	}()

	resp, err := sender.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp != 5 {
		t.Fatalf("resp = %d, want 5", resp)
	}
}

func TestSendCancelledBeforeResponse(t *testing.T) {
	sender, ch := New[string, int]()

	// Drain the request so the channel send in Send succeeds, but never
	// respond, so Send can only return via ctx expiring.
	go func() { <-ch }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sender.Send(ctx, "never answered")
	if err == nil {
		t.Fatal("Send should fail once ctx is done and nobody answers")
	}
}

func TestSendNoWaitDoesNotBlockOnReply(t *testing.T) {
	sender, ch := New[string, int]()

	err := sender.SendNoWait(context.Background(), "fire and forget")
	if err != nil {
		t.Fatalf("SendNoWait: %v", err)
	}

	select {
	case req := <-ch:
		if req.Data != "fire and forget" {
			t.Fatalf("req.Data = %q", req.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never received the fire-and-forget request")
	}
}

func TestRespondWithNoReplyChannelIsNoOp(t *testing.T) {
	// A request built with no reply channel (as SendNoWait builds) makes
	// Respond a no-op rather than a panic; only a Send-built request's
	// reply channel enforces the one-shot contract.
	req := Request[string, int]{Data: "x"}
	req.Respond(1)
	req.Respond(2)
}
