package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bimefy/slam-worker/internal/logging"
	"github.com/bimefy/slam-worker/internal/model"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logging.Discard())
	hub.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case msg := <-client.Send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcastStatusReachesSubscribers(t *testing.T) {
	hub := startHub(t)
	key := "site/raw/video.mp4"
	a := hub.Subscribe(key, nil)
	b := hub.Subscribe(key, nil)
	other := hub.Subscribe("other.mp4", nil)

	if n := hub.SubscriberCount(key); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}

	hub.BroadcastStatus(key, model.StatusParsingSlam)

	for _, client := range []*Client{a, b} {
		var msg model.WSStatusMessage
		if err := json.Unmarshal(receive(t, client), &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != model.WSMessageTypeStatus || msg.ObjectKey != key || msg.Status != model.StatusParsingSlam {
			t.Errorf("unexpected message %+v", msg)
		}
		if !msg.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected timestamp %s", msg.Timestamp)
		}
	}

	select {
	case msg := <-other.Send:
		t.Errorf("unrelated subscriber received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastError(t *testing.T) {
	hub := startHub(t)
	client := hub.Subscribe("a.mp4", nil)

	hub.BroadcastError("a.mp4", "JOB_FAILED", "slam exited with code 1")

	var msg model.WSErrorMessage
	if err := json.Unmarshal(receive(t, client), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error.Code != "JOB_FAILED" || msg.ObjectKey != "a.mp4" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestUnregisterClosesClient(t *testing.T) {
	hub := startHub(t)
	client := hub.Subscribe("a.mp4", nil)
	hub.Unregister(client)

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not closed")
	}
	if n := hub.SubscriberCount("a.mp4"); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}

func TestStoppedHubDoesNotBlock(t *testing.T) {
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	client := hub.Subscribe("a.mp4", nil)
	cancel()
	<-done

	select {
	case <-client.Done():
	default:
		t.Error("expected client closed when hub stops")
	}

	late := hub.Subscribe("a.mp4", nil)
	select {
	case <-late.Done():
	default:
		t.Error("expected late subscriber closed immediately")
	}
	hub.Unregister(late)
	hub.BroadcastStatus("a.mp4", model.StatusProcessed)
}
