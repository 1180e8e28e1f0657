//go:build !windows

package webgpu

import (
	"errors"
	"testing"
)

func TestNewUnavailable(t *testing.T) {
	backend, err := New()
	if backend != nil {
		t.Fatal("expected nil backend")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
