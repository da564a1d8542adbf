package dnsutil

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func txtAnswer(name string, strs ...string) *dns.TXT {
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: strs,
	}
}

func Test_JoinTXT(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("hello123.example.com.", dns.TypeTXT)
	msg.Answer = append(msg.Answer, txtAnswer("hello123.example.com.", "Hel", "lo!"))

	payload, err := JoinTXT(msg)
	assert.NoError(t, err)
	assert.Equal(t, "Hello!", payload)
}

func Test_JoinTXTMultipleRecords(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = append(msg.Answer,
		txtAnswer("q.example.com.", "part one "),
		txtAnswer("q.example.com.", "part two"))

	payload, err := JoinTXT(msg)
	assert.NoError(t, err)
	assert.Equal(t, "part one part two", payload)
}

func Test_JoinTXTSkipsOtherTypes(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "q.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
	})

	_, err := JoinTXT(msg)
	assert.ErrorIs(t, err, ErrNoTXTRecords)
}

func Test_JoinTXTInvalidUTF8(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = append(msg.Answer, txtAnswer("q.example.com.", string([]byte{0xff, 0xfe})))

	_, err := JoinTXT(msg)

	var derr *DecodeError
	assert.ErrorAs(t, err, &derr)
}

func Test_ChunkTXT(t *testing.T) {
	long := strings.Repeat("x", 600)
	chunks := ChunkTXT(long)

	assert.Equal(t, 3, len(chunks))
	assert.Equal(t, 255, len(chunks[0]))
	assert.Equal(t, 255, len(chunks[1]))
	assert.Equal(t, 90, len(chunks[2]))
	assert.Equal(t, long, strings.Join(chunks, ""))

	assert.Equal(t, []string{""}, ChunkTXT(""))
}

func Test_FormatQuestion(t *testing.T) {
	q := dns.Question{Name: "Hello.Example.COM.", Qtype: dns.TypeTXT, Qclass: dns.ClassINET}
	assert.Equal(t, "hello.example.com. IN TXT", FormatQuestion(q))
}
