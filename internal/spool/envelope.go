package spool

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/smtpd/internal/relayerr"
)

// FormatVersion is the current envelope wire-format version tag.
const FormatVersion = 1

// BodyType discriminates the message body representation.
type BodyType string

const (
	Body7Bit       BodyType = "7bit"
	Body8BitMime   BodyType = "8bitmime"
	BodyBinaryMime BodyType = "binarymime"
	BodySMTPUTF8   BodyType = "smtputf8"
)

// Envelope is the authoritative per-message metadata, spec.md §3.
type Envelope struct {
	FormatVersion   int
	Timestamp       time.Time
	From            string
	FromAuthIn      string
	ToLocal         []string
	ToRemote        []string
	ForwardTo       string
	Selector        string
	ClientAddress   string
	ClientAuth      bool
	ClientSecure    bool
	ClientCipher    string
	Body            BodyType
	ContentSize     int64
	RetryCount      int
	Reason          string
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// bodyBytes renders every field line (without the trailing X-CRC line) in
// fixed order, LF-terminated, exactly as they would be written to disk.
// Both WriteTo and the CRC computation build the CRC over these bytes.
func (e *Envelope) bodyBytes() []byte {
	var b strings.Builder
	write := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\n")
	}
	write("X-Spool-Format", strconv.Itoa(e.FormatVersion))
	write("X-Timestamp", e.Timestamp.UTC().Format(time.RFC3339))
	write("X-From", e.From)
	write("X-From-Auth-In", e.FromAuthIn)
	for _, r := range e.ToLocal {
		write("X-To-Local", r)
	}
	for _, r := range e.ToRemote {
		write("X-To-Remote", r)
	}
	write("X-Forward-To", e.ForwardTo)
	write("X-Selector", e.Selector)
	write("X-Client-Socket-Address", e.ClientAddress)
	write("X-Client-Authenticated", boolField(e.ClientAuth))
	write("X-Client-Secure", boolField(e.ClientSecure))
	write("X-Client-Cipher", e.ClientCipher)
	write("X-Body", string(e.Body))
	write("X-Content-Size", strconv.FormatInt(e.ContentSize, 10))
	write("X-Retry-Count", strconv.Itoa(e.RetryCount))
	write("X-Reason", e.Reason)
	return []byte(b.String())
}

// CRC returns the CRC-32 of the envelope's field bytes, excluding the CRC
// field itself, per spec.md §3's invariant.
func (e *Envelope) CRC() uint32 {
	return crc32.ChecksumIEEE(e.bodyBytes())
}

// WriteTo serialises the envelope in fixed field order followed by the
// X-CRC trailer, LF-terminated.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	body := e.bodyBytes()
	crc := crc32.ChecksumIEEE(body)
	var n int64
	nn, err := w.Write(body)
	n += int64(nn)
	if err != nil {
		return n, err
	}
	trailer := fmt.Sprintf("X-CRC: %08x\n", crc)
	nn, err = io.WriteString(w, trailer)
	n += int64(nn)
	return n, err
}

// ReadEnvelope parses the fixed-order text format, verifying the CRC.
// A wrong CRC or an unknown field rejects the envelope rather than
// silently using stale or forward-incompatible bytes (spec.md §3, §6).
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	e := &Envelope{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var bodyLines []string
	var crcHex string
	haveCRC := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return nil, relayerr.New(relayerr.Protocol, "envelope: malformed field line: "+line)
		}
		name, value := line[:idx], line[idx+2:]

		if name == "X-CRC" {
			crcHex = value
			haveCRC = true
			continue
		}
		bodyLines = append(bodyLines, line)

		switch name {
		case "X-Spool-Format":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, relayerr.Wrap(relayerr.Protocol, "envelope: bad X-Spool-Format", err)
			}
			e.FormatVersion = v
		case "X-Timestamp":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, relayerr.Wrap(relayerr.Protocol, "envelope: bad X-Timestamp", err)
			}
			e.Timestamp = t
		case "X-From":
			e.From = value
		case "X-From-Auth-In":
			e.FromAuthIn = value
		case "X-To-Local":
			e.ToLocal = append(e.ToLocal, value)
		case "X-To-Remote":
			e.ToRemote = append(e.ToRemote, value)
		case "X-Forward-To":
			e.ForwardTo = value
		case "X-Selector":
			e.Selector = value
		case "X-Client-Socket-Address":
			e.ClientAddress = value
		case "X-Client-Authenticated":
			e.ClientAuth = value == "1"
		case "X-Client-Secure":
			e.ClientSecure = value == "1"
		case "X-Client-Cipher":
			e.ClientCipher = value
		case "X-Body":
			e.Body = BodyType(value)
		case "X-Content-Size":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, relayerr.Wrap(relayerr.Protocol, "envelope: bad X-Content-Size", err)
			}
			e.ContentSize = v
		case "X-Retry-Count":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, relayerr.Wrap(relayerr.Protocol, "envelope: bad X-Retry-Count", err)
			}
			e.RetryCount = v
		case "X-Reason":
			e.Reason = value
		default:
			return nil, relayerr.New(relayerr.Protocol, "envelope: unknown field "+name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, relayerr.Wrap(relayerr.PermanentIO, "envelope: read failed", err)
	}
	if !haveCRC {
		return nil, relayerr.New(relayerr.Protocol, "envelope: missing X-CRC trailer")
	}

	wantCRC := crc32.ChecksumIEEE([]byte(strings.Join(bodyLines, "\n") + "\n"))
	gotCRC, err := strconv.ParseUint(crcHex, 16, 32)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Protocol, "envelope: bad X-CRC", err)
	}
	if uint32(gotCRC) != wantCRC {
		return nil, relayerr.New(relayerr.Protocol, "envelope: CRC mismatch")
	}

	return e, nil
}

// HasRecipients reports whether the envelope has at least one recipient
// of either kind; spec.md §3 forbids spooling a message with none.
func (e *Envelope) HasRecipients() bool {
	return len(e.ToLocal) > 0 || len(e.ToRemote) > 0
}
