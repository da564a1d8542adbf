// Package transport sends composed chat queries to the resolver over UDP,
// falling back to TCP on timeout or truncation, and optionally to
// DNS-over-HTTPS as a last resort. Responses are accepted only when their
// transaction id matches the live attempt (RFC 5452); anything else is
// logged and dropped.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	zlog "github.com/semihalev/zlog/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dnschat/dnschat/dnsutil"
	"github.com/dnschat/dnschat/guard"
	"github.com/dnschat/dnschat/metrics"
)

const edns0size = 4096

// Options configure a Transport.
type Options struct {
	// Server is the resolver destination, host:port.
	Server string
	// Guard validates Server before every send. nil disables the check.
	Guard *guard.Guard
	// UDPTimeout bounds the UDP attempt, TCPTimeout the TCP fallback.
	UDPTimeout time.Duration
	TCPTimeout time.Duration
	// DoHURL enables a final DNS-over-HTTPS fallback when non-empty.
	DoHURL string
	// RateLimit caps outbound queries per second, 0 for disabled.
	RateLimit int
	// OnLog receives one entry per attempt, success or failure.
	OnLog func(LogEntry)
}

// LogEntry records a single resolver attempt.
type LogEntry struct {
	Time          time.Time `json:"time"`
	Name          string    `json:"name"`
	Server        string    `json:"server"`
	Proto         string    `json:"proto"`
	TransactionID uint16    `json:"transaction_id"`
	LatencyMs     int64     `json:"latency_ms"`
	Rcode         string    `json:"rcode,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Reply is a validated resolver response.
type Reply struct {
	Msg   *dns.Msg
	Proto string
	Rtt   time.Duration
}

// Transport implements the UDP -> TCP -> DoH query state machine.
type Transport struct {
	mu sync.RWMutex

	server     string
	guard      *guard.Guard
	udpTimeout time.Duration
	tcpTimeout time.Duration
	dohURL     string

	limiter *rate.Limiter
	group   singleflight.Group
	onLog   func(LogEntry)

	fmu     sync.Mutex
	flights map[string]*flight
}

// flight tracks the waiters of one coalesced query so an abandoned
// flight can tear down its socket instead of running out its budget.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New returns a transport for the given options.
func New(opts Options) *Transport {
	t := &Transport{
		server:     opts.Server,
		guard:      opts.Guard,
		udpTimeout: opts.UDPTimeout,
		tcpTimeout: opts.TCPTimeout,
		dohURL:     opts.DoHURL,
		onLog:      opts.OnLog,
		flights:    make(map[string]*flight),
	}

	if t.udpTimeout == 0 {
		t.udpTimeout = 3 * time.Second
	}
	if t.tcpTimeout == 0 {
		t.tcpTimeout = 5 * time.Second
	}
	if opts.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}

	return t
}

// SetResolver swaps the destination and guard, used on config reload.
func (t *Transport) SetResolver(server string, g *guard.Guard) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.server = server
	t.guard = g
}

// Exchange sends a TXT query for qname and returns the validated reply.
// Identical in-flight queries are coalesced. The caller's ctx cancels the
// wait; a late response is discarded, never delivered.
func (t *Transport) Exchange(ctx context.Context, qname string) (*Reply, error) {
	t.mu.RLock()
	server, g := t.server, t.guard
	udpTimeout, tcpTimeout := t.udpTimeout, t.tcpTimeout
	dohURL := t.dohURL
	t.mu.RUnlock()

	if g != nil && !g.IsAllowed(server) {
		zlog.Warn("Resolver rejected by allowlist", "server", server)
		return nil, ErrInvalidServer
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	key := strconv.FormatUint(xxhash.Sum64String(server+"/"+qname), 16)

	t.fmu.Lock()
	f, ok := t.flights[key]
	if !ok {
		budget := udpTimeout + tcpTimeout
		if dohURL != "" {
			budget += dohTimeout
		}

		fctx, cancel := context.WithTimeout(context.Background(), budget)
		f = &flight{ctx: fctx, cancel: cancel}
		t.flights[key] = f
	}
	f.waiters++
	t.fmu.Unlock()

	// when the last waiter leaves, cancel the flight so the socket is
	// released instead of running out the full budget
	defer func() {
		t.fmu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			t.group.Forget(key)
			delete(t.flights, key)
		}
		t.fmu.Unlock()
	}()

	ch := t.group.DoChan(key, func() (any, error) {
		return t.exchange(f.ctx, server, qname, udpTimeout, tcpTimeout, dohURL)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Reply), nil
	case <-ctx.Done():
		// other waiters keep the shared flight alive, this caller just
		// stops listening
		return nil, ctx.Err()
	}
}

func (t *Transport) exchange(ctx context.Context, server, qname string, udpTimeout, tcpTimeout time.Duration, dohURL string) (*Reply, error) {
	reply, err := t.attempt(ctx, "udp", server, qname, udpTimeout)
	if err == nil && !reply.Msg.Truncated {
		metrics.Query("udp", "ok")
		return reply, nil
	}

	if err != nil {
		if isNetworkUnavailable(err) {
			metrics.Query("udp", "network")
			return nil, ErrNetworkUnavailable
		}
		metrics.Query("udp", "timeout")
	} else {
		// truncated answer, the reply does not fit a datagram
		metrics.Query("udp", "truncated")
	}

	zlog.Debug("Falling back to tcp", "query", qname, "server", server)
	metrics.Fallback("udp", "tcp")

	reply, tcpErr := t.attempt(ctx, "tcp", server, qname, tcpTimeout)
	if tcpErr == nil {
		metrics.Query("tcp", "ok")
		return reply, nil
	}

	// unreachable network gets no further fallback, DoH would fail the
	// same way and the caller must see the real classification
	if isNetworkUnavailable(tcpErr) {
		metrics.Query("tcp", "network")
		return nil, ErrNetworkUnavailable
	}
	metrics.Query("tcp", "timeout")

	if dohURL != "" {
		zlog.Debug("Falling back to doh", "query", qname, "url", dohURL)
		metrics.Fallback("tcp", "doh")

		reply, dohErr := t.attemptDoH(ctx, dohURL, qname)
		if dohErr == nil {
			metrics.Query("doh", "ok")
			return reply, nil
		}
		metrics.Query("doh", "failed")
	}

	return nil, ErrTimeout
}

// attempt sends one query over one transport with a fresh transaction id
// and waits for a response bearing exactly that id.
func (t *Transport) attempt(ctx context.Context, proto, server, qname string, timeout time.Duration) (*Reply, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(qname), dns.TypeTXT)
	req.RecursionDesired = true
	req.SetEdns0(edns0size, false)
	req.Id = dns.Id()

	zlog.Debug("Querying resolver", "query", dnsutil.FormatQuestion(req.Question[0]),
		"server", server, "proto", proto, "id", req.Id)

	entry := LogEntry{
		Time:          time.Now(),
		Name:          qname,
		Server:        server,
		Proto:         proto,
		TransactionID: req.Id,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, proto, server)
	if err != nil {
		entry.Error = err.Error()
		t.emit(entry)
		return nil, &QueryError{Proto: proto, Server: server, Name: qname, Err: err}
	}
	defer conn.Close()

	// cancellation must release the socket, not leave the read hanging
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()

	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)

	co := &Conn{Conn: conn, UDPSize: edns0size}

	start := time.Now()
	if err := co.WriteMsg(req); err != nil {
		entry.Error = err.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		t.emit(entry)
		return nil, &QueryError{Proto: proto, Server: server, Name: qname, Err: err}
	}

	for {
		resp, err := co.ReadMsg()
		if err != nil {
			entry.Error = err.Error()
			entry.LatencyMs = time.Since(start).Milliseconds()
			t.emit(entry)
			return nil, &QueryError{Proto: proto, Server: server, Name: qname, Err: err}
		}

		if resp.Id != req.Id {
			// spoofed or stale, drop and keep waiting for the real answer
			zlog.Warn("Dropping response with mismatched transaction id",
				"query", qname, "server", server, "proto", proto,
				"want", req.Id, "got", resp.Id)
			metrics.SpoofDrop()
			t.emit(LogEntry{
				Time:          time.Now(),
				Name:          qname,
				Server:        server,
				Proto:         proto,
				TransactionID: resp.Id,
				Error:         "transaction id mismatch",
			})
			continue
		}

		rtt := time.Since(start)
		entry.LatencyMs = rtt.Milliseconds()
		entry.Rcode = dns.RcodeToString[resp.Rcode]
		t.emit(entry)

		return &Reply{Msg: resp, Proto: proto, Rtt: rtt}, nil
	}
}

func (t *Transport) emit(entry LogEntry) {
	if t.onLog != nil {
		t.onLog(entry)
	}
}

// isNetworkUnavailable classifies errors that no fallback can fix.
func isNetworkUnavailable(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	return false
}
