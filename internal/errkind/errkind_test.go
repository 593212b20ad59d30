package errkind

import (
	"errors"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(nil, Transient) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(cause, Unavailable)

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As should find *Error")
	}
	if e.Kind() != Unavailable {
		t.Fatalf("Kind() = %v, want Unavailable", e.Kind())
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("errors.Is should see through to the cause")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Unavailable: "unavailable",
		Transient:   "transient",
		Validation:  "validation",
		RateLimited: "rate_limited",
		Corrupted:   "corrupted",
		Fatal:       "fatal",
		Unknown:     "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
