package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindTransient},
		{"plain error", errors.New("boom"), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"transient", E(KindTransient, "timeout"), KindTransient},
		{"auth locked", E(KindAuthLocked, "suspended"), KindAuthLocked},
		{"data", E(KindData, "bad input"), KindData},
		{"wrapped auth locked", fmt.Errorf("outer: %w", E(KindAuthLocked, "suspended")), KindAuthLocked},
		{"wrap helper", Wrap(KindData, "parse", errors.New("inner")), KindData},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAuthLocked(t *testing.T) {
	t.Parallel()
	if !IsAuthLocked(E(KindAuthLocked, "locked")) {
		t.Fatal("IsAuthLocked should be true")
	}
	if IsAuthLocked(errors.New("other")) {
		t.Fatal("plain error should not be auth locked")
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("inner")
	err := Wrap(KindTransient, "submit", inner)
	if !errors.Is(err, inner) {
		t.Fatal("Unwrap lost the inner error")
	}
	if err.Error() != "transient: submit: inner" {
		t.Fatalf("Error = %q", err.Error())
	}
	if E(KindData, "odd").Error() != "data: odd" {
		t.Fatalf("Error = %q", E(KindData, "odd").Error())
	}
}
