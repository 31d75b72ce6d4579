package spool

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// seq is a process-global, monotonically increasing counter. Combined with
// the boot timestamp and PID it guarantees uniqueness of MessageIds minted
// by this process across its lifetime, per spec.md §6's
// "emailrelay.<timestamp>.<pid>.<seq>" naming convention.
var seq atomic.Uint64

var bootTimestamp = time.Now().Unix()

// MessageID is the opaque, filesystem-safe, monotonically-ordered token
// identifying one envelope+content pair.
type MessageID string

// NewMessageID mints a new MessageID. The string form is printable,
// filesystem-safe, and sorts lexicographically in submission order
// because the sequence counter is zero-padded.
func NewMessageID() MessageID {
	n := seq.Add(1)
	return MessageID(fmt.Sprintf("%d.%d.%010d", bootTimestamp, os.Getpid(), n))
}

// String returns the filename-stem form ("<timestamp>.<pid>.<seq>").
func (m MessageID) String() string {
	return string(m)
}

// EnvelopeFilename returns the base-state envelope filename for this id.
func (m MessageID) EnvelopeFilename() string {
	return "emailrelay." + string(m) + ".envelope"
}

// BusyFilename returns the locked-state envelope filename.
func (m MessageID) BusyFilename() string {
	return m.EnvelopeFilename() + ".busy"
}

// BadFilename returns the terminally-failed envelope filename.
func (m MessageID) BadFilename() string {
	return m.EnvelopeFilename() + ".bad"
}

// ContentFilename returns the content filename for this id.
func (m MessageID) ContentFilename() string {
	return "emailrelay." + string(m) + ".content"
}
