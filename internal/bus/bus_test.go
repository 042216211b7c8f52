package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "whatsapp", ExternalID: "m1", Body: "hi"})

	select {
	case msg := <-b.Subscribe():
		if msg.ExternalID != "m1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(4, testLogger())
	b.Close()

	// Must not panic.
	b.Publish(domain.InboundMessage{Channel: "whatsapp", ExternalID: "m2"})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("closed bus should not deliver")
	}
}

func TestCloseTwice(t *testing.T) {
	b := New(4, testLogger())
	b.Close()
	b.Close() // must not panic
}
