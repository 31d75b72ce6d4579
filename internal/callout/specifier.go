// Package callout implements the URI-like specifier syntax shared by the
// filter and verifier callouts (spec.md §4.6): exit:<N>, file:<path>,
// net:<host>:<port>, spam:<host>:<port>, spam-edit:<host>:<port>,
// chain:<comma-separated specifiers>.
package callout

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags which callout variant a Specifier names.
type Kind int

const (
	KindExit Kind = iota
	KindFile
	KindNet
	KindSpam
	KindSpamEdit
	KindChain
)

// Specifier is a parsed callout URI.
type Specifier struct {
	Kind  Kind
	Exit  int         // KindExit
	Path  string      // KindFile
	Host  string      // KindNet, KindSpam, KindSpamEdit
	Port  string      // KindNet, KindSpam, KindSpamEdit
	Chain []Specifier // KindChain
	Raw   string
}

// Parse decodes a callout specifier string. An empty string parses as the
// identity filter (exit:0).
func Parse(s string) (Specifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Specifier{Kind: KindExit, Exit: 0, Raw: s}, nil
	}

	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Specifier{}, fmt.Errorf("callout: missing scheme in %q", s)
	}

	switch scheme {
	case "exit":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Specifier{}, fmt.Errorf("callout: bad exit code in %q: %w", s, err)
		}
		return Specifier{Kind: KindExit, Exit: n, Raw: s}, nil
	case "file":
		if rest == "" {
			return Specifier{}, fmt.Errorf("callout: empty file path in %q", s)
		}
		return Specifier{Kind: KindFile, Path: rest, Raw: s}, nil
	case "net", "spam", "spam-edit":
		host, port, err := splitHostPort(rest)
		if err != nil {
			return Specifier{}, fmt.Errorf("callout: %w", err)
		}
		kind := KindNet
		if scheme == "spam" {
			kind = KindSpam
		} else if scheme == "spam-edit" {
			kind = KindSpamEdit
		}
		return Specifier{Kind: kind, Host: host, Port: port, Raw: s}, nil
	case "chain":
		parts := strings.Split(rest, ",")
		chain := make([]Specifier, 0, len(parts))
		for _, p := range parts {
			sub, err := Parse(strings.TrimSpace(p))
			if err != nil {
				return Specifier{}, err
			}
			chain = append(chain, sub)
		}
		return Specifier{Kind: KindChain, Chain: chain, Raw: s}, nil
	default:
		return Specifier{}, fmt.Errorf("callout: unknown scheme %q in %q", scheme, s)
	}
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing host:port in %q", s)
	}
	return s[:idx], s[idx+1:], nil
}
