package relayerr

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(PermanentIO, "disk full")
	if !Is(err, PermanentIO) {
		t.Fatalf("expected PermanentIO kind")
	}
	if Is(err, Protocol) {
		t.Fatalf("did not expect Protocol kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("eof")
	err := Wrap(TransientIO, "reading body", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}
