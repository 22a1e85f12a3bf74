package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "media/c1/10_5.jpg", "image/jpeg", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://media/c1/10_5.jpg" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload, contentType, ok := store.Object("media/c1/10_5.jpg")
	if !ok || string(payload) != "content" || contentType != "image/jpeg" {
		t.Fatalf("unexpected object %q %q %v", payload, contentType, ok)
	}
	payload[0] = 'C'
	again, _, _ := store.Object("media/c1/10_5.jpg")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
	if _, _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
