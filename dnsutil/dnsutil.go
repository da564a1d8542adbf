// Package dnsutil carries small helpers shared by the transport and the
// chat pipeline: TXT answer reassembly and log formatting.
package dnsutil

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
)

// MaxTXTStringLength is the RFC 1035 limit for one character-string
// inside a TXT record. Resolvers split longer replies across strings.
const MaxTXTStringLength = 255

var (
	// ErrNoTXTRecords is returned when the answer section carries no TXT data.
	ErrNoTXTRecords = errors.New("no TXT records in response")
)

// DecodeError reports a malformed TXT payload after reassembly.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode TXT payload: %s", e.Reason)
}

// JoinTXT reassembles the chat reply from a TXT response. All strings of
// all TXT answers are concatenated in resolver order with no separator,
// matching how the tunnel server chunks long replies.
func JoinTXT(msg *dns.Msg) (string, error) {
	var b strings.Builder

	found := false
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		found = true
		for _, s := range txt.Txt {
			b.WriteString(s)
		}
	}

	if !found {
		return "", ErrNoTXTRecords
	}

	payload := b.String()
	if !utf8.ValidString(payload) {
		return "", &DecodeError{Reason: "reassembled payload is not valid UTF-8"}
	}

	return payload, nil
}

// ChunkTXT splits a reply into TXT character-strings of at most 255
// bytes. The mock resolver in the tests uses it to mirror server behavior.
func ChunkTXT(payload string) []string {
	var chunks []string
	for len(payload) > MaxTXTStringLength {
		chunks = append(chunks, payload[:MaxTXTStringLength])
		payload = payload[MaxTXTStringLength:]
	}
	if payload != "" || len(chunks) == 0 {
		chunks = append(chunks, payload)
	}
	return chunks
}

// FormatQuestion returns a lowercased question for log lines.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}
