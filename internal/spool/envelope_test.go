package spool

import (
	"bytes"
	"testing"
	"time"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		FormatVersion: FormatVersion,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		From:          "a@x",
		ToRemote:      []string{"b@y"},
		ClientAddress: "10.0.0.1:5555",
		Body:          Body7Bit,
		ContentSize:   7,
	}
}

// TestEnvelopeRoundTrip covers spec.md §8's round-trip invariant: write,
// read, write again yields byte-identical bytes.
func TestEnvelopeRoundTrip(t *testing.T) {
	e := sampleEnvelope()

	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	first := append([]byte(nil), buf.Bytes()...)

	read, err := ReadEnvelope(bytes.NewReader(first))
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}

	var buf2 bytes.Buffer
	if _, err := read.WriteTo(&buf2); err != nil {
		t.Fatalf("second WriteTo: %v", err)
	}

	if !bytes.Equal(first, buf2.Bytes()) {
		t.Fatalf("round trip mismatch:\n%q\nvs\n%q", first, buf2.Bytes())
	}
}

func TestEnvelopeCRCMismatchRejected(t *testing.T) {
	e := sampleEnvelope()
	var buf bytes.Buffer
	e.WriteTo(&buf)

	corrupted := bytes.Replace(buf.Bytes(), []byte("X-From: a@x"), []byte("X-From: evil@x"), 1)
	if _, err := ReadEnvelope(bytes.NewReader(corrupted)); err == nil {
		t.Fatalf("expected CRC mismatch to be rejected")
	}
}

func TestEnvelopeUnknownFieldRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("X-Spool-Format: 1\n")
	buf.WriteString("X-Unknown-Field: nope\n")
	buf.WriteString("X-CRC: 00000000\n")
	if _, err := ReadEnvelope(&buf); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestHasRecipients(t *testing.T) {
	e := &Envelope{}
	if e.HasRecipients() {
		t.Fatalf("empty envelope must report no recipients")
	}
	e.ToLocal = []string{"u@local"}
	if !e.HasRecipients() {
		t.Fatalf("expected HasRecipients true once ToLocal is populated")
	}
}
