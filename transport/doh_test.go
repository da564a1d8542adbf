package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnschat/dnschat/dnsutil"
)

func dohTestServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		req := new(dns.Msg)
		require.NoError(t, req.Unpack(body))

		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
			Txt: dnsutil.ChunkTXT(reply),
		})

		packed, err := m.Pack()
		require.NoError(t, err)

		w.Header().Set("Content-Type", dohMimeType)
		w.Write(packed)
	}))

	t.Cleanup(srv.Close)
	return srv
}

func Test_ExchangeDoHFallback(t *testing.T) {
	addr := runServers(t, silentHandler(), silentHandler())
	doh := dohTestServer(t, "answered over https")

	tr := New(Options{
		Server:     addr,
		Guard:      testGuard(),
		UDPTimeout: 200 * time.Millisecond,
		TCPTimeout: 200 * time.Millisecond,
		DoHURL:     doh.URL,
	})

	reply, err := tr.Exchange(context.Background(), "hello123.example.com")
	require.NoError(t, err)

	assert.Equal(t, "doh", reply.Proto)

	payload, err := dnsutil.JoinTXT(reply.Msg)
	require.NoError(t, err)
	assert.Equal(t, "answered over https", payload)
}

func Test_ExchangeNetworkErrorSkipsDoH(t *testing.T) {
	// UDP listener with no TCP sibling: the UDP attempt times out, the
	// TCP fallback is refused outright
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	us := &dns.Server{PacketConn: pc, Handler: silentHandler()}
	go us.ActivateAndServe()
	t.Cleanup(func() { us.Shutdown() })

	var hits int32
	doh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}))
	t.Cleanup(doh.Close)

	tr := New(Options{
		Server:     pc.LocalAddr().String(),
		Guard:      testGuard(),
		UDPTimeout: 200 * time.Millisecond,
		TCPTimeout: 2 * time.Second,
		DoHURL:     doh.URL,
	})

	_, err = tr.Exchange(context.Background(), "hello123.example.com")
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Zero(t, atomic.LoadInt32(&hits), "an unreachable network must not fall back to doh")
}

func Test_AttemptDoHGuardRejects(t *testing.T) {
	tr := New(Options{Guard: testGuard()})

	_, err := tr.attemptDoH(context.Background(), "https://untrusted.example.org/dns-query", "q.example.com")
	assert.ErrorIs(t, err, ErrInvalidServer)
}

func Test_AttemptDoHBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	tr := New(Options{Guard: testGuard()})

	_, err := tr.attemptDoH(context.Background(), srv.URL, "q.example.com")
	assert.Error(t, err)
}
