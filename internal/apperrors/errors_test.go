package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfFindsWrappedError(t *testing.T) {
	base := New(KindNotFound, "job missing")
	wrapped := fmt.Errorf("lookup failed: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("expected KindNotFound, got %q", got)
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatalf("expected Is to match KindNotFound")
	}
}

func TestKindOfReturnsEmptyForPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Fatalf("expected empty Kind, got %q", got)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageUnavailable, "write failed", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}
