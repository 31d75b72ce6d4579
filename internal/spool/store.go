// Package spool implements the on-disk envelope/content store: the file
// writing order, atomic state transitions by rename, locking, enumeration,
// and retry accounting described in spec.md §3 and §4.5.
package spool

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/infodancer/smtpd/internal/relayerr"
)

// State is the spool state a MessageId is in, keyed by envelope filename
// suffix.
type State int

const (
	StateNew State = iota
	StateLocked
	StateBad
)

// Store is the spool directory. It is safe for concurrent use across
// goroutines within one process; cross-process coordination relies solely
// on the atomicity of os.Rename using the ".busy" suffix as a lock token
// (spec.md §5 "Shared resources").
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, relayerr.Wrap(relayerr.Configuration, "spool: creating directory", err)
	}
	return &Store{dir: dir}, nil
}

// Writer streams a new message's content, then commits its envelope. Its
// zero value must not be used; obtain one via Store.NewWriter.
type Writer struct {
	store   *Store
	id      MessageID
	content *os.File
	size    int64
}

// NewWriter begins writing a new spool entry, creating the content file
// under its final name immediately (spec.md §4.5 step 4's permitted
// simplification: "write the content under its final name and rely on
// the envelope rename as the only commit").
func (s *Store) NewWriter() (*Writer, error) {
	id := NewMessageID()
	f, err := os.OpenFile(filepath.Join(s.dir, id.ContentFilename()), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "spool: creating content file", err)
	}
	return &Writer{store: s, id: id, content: f}, nil
}

// ID returns the MessageID this writer is building.
func (w *Writer) ID() MessageID { return w.id }

// Write appends to the content file.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.content.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, relayerr.Wrap(relayerr.PermanentIO, "spool: writing content", err)
	}
	return n, nil
}

// Size returns the number of content bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Commit closes the content file, writes the envelope (with ContentSize
// set to the bytes written), and renames it into place — the atomic
// commit point per spec.md §4.5.
func (w *Writer) Commit(env *Envelope) error {
	if err := w.content.Close(); err != nil {
		return relayerr.Wrap(relayerr.PermanentIO, "spool: closing content file", err)
	}
	if !env.HasRecipients() {
		w.Abort()
		return relayerr.New(relayerr.Internal, "spool: refusing to commit envelope with no recipients")
	}
	env.FormatVersion = FormatVersion
	env.ContentSize = w.size

	tmpPath := filepath.Join(w.store.dir, w.id.EnvelopeFilename()+".new")
	finalPath := filepath.Join(w.store.dir, w.id.EnvelopeFilename())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return relayerr.Wrap(relayerr.PermanentIO, "spool: creating envelope temp file", err)
	}
	if _, err := env.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return relayerr.Wrap(relayerr.PermanentIO, "spool: writing envelope", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return relayerr.Wrap(relayerr.PermanentIO, "spool: closing envelope temp file", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return relayerr.Wrap(relayerr.PermanentIO, "spool: committing envelope", err)
	}
	return nil
}

// Abort discards a partially-written entry: the content file is removed
// and no envelope is ever written, so nothing becomes visible to
// enumeration.
func (w *Writer) Abort() {
	w.content.Close()
	os.Remove(filepath.Join(w.store.dir, w.id.ContentFilename()))
}

// Entry is one spool item discovered by enumeration.
type Entry struct {
	ID    MessageID
	State State
}

// List enumerates spool entries in deterministic lexicographic order by
// MessageId. The listing is snapshot-at-open: entries created after List
// returns are not guaranteed to appear (spec.md §4.5 Enumeration).
func (s *Store) List() ([]Entry, error) {
	names, err := filepath.Glob(filepath.Join(s.dir, "emailrelay.*.envelope"))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "spool: listing", err)
	}
	busy, err := filepath.Glob(filepath.Join(s.dir, "emailrelay.*.envelope.busy"))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "spool: listing busy", err)
	}
	bad, err := filepath.Glob(filepath.Join(s.dir, "emailrelay.*.envelope.bad"))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "spool: listing bad", err)
	}

	var entries []Entry
	for _, n := range names {
		entries = append(entries, Entry{ID: idFromEnvelopePath(n, ""), State: StateNew})
	}
	for _, n := range busy {
		entries = append(entries, Entry{ID: idFromEnvelopePath(n, ".busy"), State: StateLocked})
	}
	for _, n := range bad {
		entries = append(entries, Entry{ID: idFromEnvelopePath(n, ".bad"), State: StateBad})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func idFromEnvelopePath(path, suffix string) MessageID {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, "emailrelay.")
	base = strings.TrimSuffix(base, ".envelope"+suffix)
	return MessageID(base)
}

// Acquire renames a "new" envelope to "locked", returning ErrNotFound if
// it no longer exists (another forwarder may have already taken it) —
// the rename itself is the lock token (spec.md §4.5 Locking).
func (s *Store) Acquire(id MessageID) error {
	from := filepath.Join(s.dir, id.EnvelopeFilename())
	to := filepath.Join(s.dir, id.BusyFilename())
	if err := os.Rename(from, to); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return relayerr.Wrap(relayerr.PermanentIO, "spool: acquiring lock", err)
	}
	return nil
}

// ErrNotFound is returned by Acquire/Release when the target entry no
// longer exists in the expected state.
var ErrNotFound = relayerr.New(relayerr.Internal, "spool: entry not found")

// ReadEnvelopeFile reads and CRC-verifies the envelope for id in the given
// state.
func (s *Store) ReadEnvelopeFile(id MessageID, state State) (*Envelope, error) {
	f, err := os.Open(filepath.Join(s.dir, envelopePath(id, state)))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "spool: opening envelope", err)
	}
	defer f.Close()
	return ReadEnvelope(f)
}

func envelopePath(id MessageID, state State) string {
	switch state {
	case StateLocked:
		return id.BusyFilename()
	case StateBad:
		return id.BadFilename()
	default:
		return id.EnvelopeFilename()
	}
}

// EnvelopePath returns the on-disk path of id's envelope file in the
// given state, for callers (the filter callout) that need a real
// filesystem path rather than going through Store's own I/O methods.
func (s *Store) EnvelopePath(id MessageID, state State) string {
	return filepath.Join(s.dir, envelopePath(id, state))
}

// ContentPath returns the on-disk path of id's content file.
func (s *Store) ContentPath(id MessageID) string {
	return filepath.Join(s.dir, id.ContentFilename())
}

// Release rewrites the envelope (e.g. with an updated retry count and
// remaining recipients) and renames it back to "new" for a future
// forwarder pass.
func (s *Store) Release(id MessageID, env *Envelope) error {
	return s.rewriteAndRename(id, env, id.BusyFilename(), id.EnvelopeFilename())
}

// Fail increments the retry count and records the reason; if the count
// crosses threshold the envelope moves to the bad state, otherwise it is
// released back to new (spec.md §4.5 Failure/retry accounting).
func (s *Store) Fail(id MessageID, env *Envelope, reason string, threshold int) error {
	env.RetryCount++
	env.Reason = reason
	if env.RetryCount >= threshold {
		return s.rewriteAndRename(id, env, id.BusyFilename(), id.BadFilename())
	}
	return s.Release(id, env)
}

// Complete removes both the envelope and content files on successful
// processing.
func (s *Store) Complete(id MessageID) error {
	envErr := os.Remove(filepath.Join(s.dir, id.BusyFilename()))
	contentErr := os.Remove(filepath.Join(s.dir, id.ContentFilename()))
	if envErr != nil && !os.IsNotExist(envErr) {
		return relayerr.Wrap(relayerr.PermanentIO, "spool: removing envelope", envErr)
	}
	if contentErr != nil && !os.IsNotExist(contentErr) {
		return relayerr.Wrap(relayerr.PermanentIO, "spool: removing content", contentErr)
	}
	return nil
}

func (s *Store) rewriteAndRename(id MessageID, env *Envelope, fromSuffix, toSuffix string) error {
	tmp := filepath.Join(s.dir, string(id)+".rewrite.tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return relayerr.Wrap(relayerr.PermanentIO, "spool: rewriting envelope", err)
	}
	if _, err := env.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.PermanentIO, "spool: writing rewritten envelope", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.PermanentIO, "spool: closing rewritten envelope", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, toSuffix)); err != nil {
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.PermanentIO, "spool: committing rewritten envelope", err)
	}
	// Best-effort removal of the prior-state file if it still exists
	// under a different name than toSuffix (e.g. busy -> new).
	if fromSuffix != toSuffix {
		os.Remove(filepath.Join(s.dir, fromSuffix))
	}
	return nil
}

// ContentReader opens the content file for id for reading.
func (s *Store) ContentReader(id MessageID) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, id.ContentFilename()))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "spool: opening content", err)
	}
	return f, nil
}

// SweepStale recovers ".busy" envelopes left behind by a crashed process:
// at startup, with no process able to still hold that lock, every busy
// entry is renamed back to "new" (spec.md §3 Invariants, §8 Crash
// recovery scenario). Go offers no portable "is this pid alive" check
// shared with the original's process, so this implementation takes the
// spec's permitted minimum: a startup sweep renames every busy entry
// back, unconditionally, since Start is only called once at process
// start before any forwarder has acquired a lock in this run.
func (s *Store) SweepStale() (int, error) {
	busy, err := filepath.Glob(filepath.Join(s.dir, "emailrelay.*.envelope.busy"))
	if err != nil {
		return 0, relayerr.Wrap(relayerr.PermanentIO, "spool: sweep listing", err)
	}
	n := 0
	for _, path := range busy {
		dest := strings.TrimSuffix(path, ".busy")
		if err := os.Rename(path, dest); err != nil {
			return n, relayerr.Wrap(relayerr.PermanentIO, "spool: sweep rename", err)
		}
		n++
	}
	return n, nil
}

// SweepOrphans removes content files with no matching envelope (any
// state) — garbage from a crash between spool.Writer steps 1 and 3
// (spec.md §3 Invariants, §4.5 "A crash between steps 1 and 3"). An
// envelope whose content file is missing is left in place.
func (s *Store) SweepOrphans() (int, error) {
	contents, err := filepath.Glob(filepath.Join(s.dir, "emailrelay.*.content"))
	if err != nil {
		return 0, relayerr.Wrap(relayerr.PermanentIO, "spool: sweep listing content", err)
	}
	n := 0
	for _, c := range contents {
		id := MessageID(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(c), "emailrelay."), ".content"))
		has := false
		for _, suffix := range []string{"", ".busy", ".bad"} {
			if _, err := os.Stat(filepath.Join(s.dir, id.EnvelopeFilename()+suffix)); err == nil {
				has = true
				break
			}
		}
		if !has {
			if err := os.Remove(c); err == nil {
				n++
			}
		}
	}
	return n, nil
}
