package transport

// DNS-over-HTTPS fallback (RFC 8484 POST). The mobile app this pipeline
// came from used a three tier strategy, raw UDP then DoH then a legacy
// resolver path; here DoH is the last tier after UDP and TCP.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
)

const (
	dohTimeout  = 10 * time.Second
	dohMimeType = "application/dns-message"
)

var dohClient = &http.Client{Timeout: dohTimeout}

func (t *Transport) attemptDoH(ctx context.Context, dohURL, qname string) (*Reply, error) {
	u, err := url.Parse(dohURL)
	if err != nil {
		return nil, &QueryError{Proto: "doh", Server: dohURL, Name: qname, Err: err}
	}

	t.mu.RLock()
	g := t.guard
	t.mu.RUnlock()

	if g != nil && !g.IsAllowed(u.Hostname()) {
		return nil, ErrInvalidServer
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(qname), dns.TypeTXT)
	req.RecursionDesired = true
	req.Id = dns.Id()

	entry := LogEntry{
		Time:          time.Now(),
		Name:          qname,
		Server:        u.Host,
		Proto:         "doh",
		TransactionID: req.Id,
	}

	packed, err := req.Pack()
	if err != nil {
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, dohURL, bytes.NewReader(packed))
	if err != nil {
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}
	hreq.Header.Set("Content-Type", dohMimeType)
	hreq.Header.Set("Accept", dohMimeType)

	start := time.Now()
	hresp, err := dohClient.Do(hreq)
	if err != nil {
		entry.Error = err.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		t.emit(entry)
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		err := fmt.Errorf("doh status %d", hresp.StatusCode)
		entry.Error = err.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		t.emit(entry)
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}

	body, err := io.ReadAll(io.LimitReader(hresp.Body, dns.MaxMsgSize))
	if err != nil {
		entry.Error = err.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		t.emit(entry)
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		entry.Error = err.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		t.emit(entry)
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}

	if resp.Id != req.Id {
		err := fmt.Errorf("transaction id mismatch: want %d got %d", req.Id, resp.Id)
		entry.Error = err.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		t.emit(entry)
		return nil, &QueryError{Proto: "doh", Server: u.Host, Name: qname, Err: err}
	}

	rtt := time.Since(start)
	entry.LatencyMs = rtt.Milliseconds()
	entry.Rcode = dns.RcodeToString[resp.Rcode]
	t.emit(entry)

	return &Reply{Msg: resp, Proto: "doh", Rtt: rtt}, nil
}
