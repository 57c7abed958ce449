package redisbus

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestIsBusyGroupErr(t *testing.T) {
	t.Parallel()
	if !isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Fatalf("expected BUSYGROUP error to be recognized")
	}
	if isBusyGroupErr(errors.New("some other error")) {
		t.Fatalf("expected unrelated error to not match")
	}
}

func TestEntryToMessageParsesAttempt(t *testing.T) {
	t.Parallel()
	entry := redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"payload": "hello", "attempt": "2"},
	}
	msg := entryToMessage("work-items", entry)
	if msg.Queue != "work-items" || string(msg.Payload) != "hello" || msg.Attempt != 2 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestNewAppliesOptions(t *testing.T) {
	t.Parallel()
	b := New("localhost:6379", WithConsumerName("w1"), WithMaxRetries(5))
	if b.consumerName != "w1" {
		t.Fatalf("expected consumer name override")
	}
	if b.maxRetries != 5 {
		t.Fatalf("expected max retries override")
	}
}
