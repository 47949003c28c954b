package ristretto

import (
	"testing"
	"time"
)

func TestSeenCache(t *testing.T) {
	cache, err := New(1, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cache.Close()

	if cache.Seen("ev-1") {
		t.Error("unmarked id reported seen")
	}

	cache.Mark("ev-1")
	// Ristretto applies sets asynchronously through its buffer.
	deadline := time.Now().Add(time.Second)
	for !cache.Seen("ev-1") {
		if time.Now().After(deadline) {
			t.Fatal("marked id never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if cache.Seen("ev-2") {
		t.Error("unrelated id reported seen")
	}
}
