package content

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	data := []byte("a,b\n1,2\n")
	if err := m.Put(ctx, "acct/1.csv", data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Mutating the caller's slice must not change the stored copy
	data[0] = 'X'

	got, err := m.Get(ctx, "acct/1.csv")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Errorf("Get() = %q, want %q", got, "a,b\n1,2\n")
	}
}

func TestMemory_GetMissing(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestS3_ObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{"no prefix", "", "acct/1.csv", "acct/1.csv"},
		{"prefix", "uploads", "acct/1.csv", "uploads/acct/1.csv"},
		{"prefix with slash", "uploads/", "acct/1.csv", "uploads/acct/1.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &S3{prefix: tt.prefix}
			if got := s.objectKey(tt.key); got != tt.want {
				t.Errorf("objectKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
