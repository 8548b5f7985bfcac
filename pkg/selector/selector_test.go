package selector

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRoundRobin(t *testing.T) {
	s := NewStatic("a:1", "b:1", "c:1")
	var got []string
	for range 4 {
		got = append(got, s.ChooseNewSyncSource(api.OpTime{}))
	}
	assert.Equal(t, []string{"a:1", "b:1", "c:1", "a:1"}, got)
	assert.False(t, s.ShouldChangeSyncSource("a:1", api.Document{}))

	assert.Empty(t, NewStatic().ChooseNewSyncSource(api.OpTime{}))
}

func TestStaticBlacklist(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStatic("a:1", "b:1")
	s.now = func() time.Time { return now }

	s.BlacklistSyncSource("a:1", now.Add(time.Minute))
	s.BlacklistSyncSource("a:1", now.Add(time.Second))
	for range 3 {
		assert.Equal(t, "b:1", s.ChooseNewSyncSource(api.OpTime{}))
	}

	s.BlacklistSyncSource("b:1", now.Add(time.Minute))
	assert.Empty(t, s.ChooseNewSyncSource(api.OpTime{}))

	now = now.Add(time.Minute)
	assert.NotEmpty(t, s.ChooseNewSyncSource(api.OpTime{}), "blacklist entries expire")

	s.BlacklistSyncSource("a:1", now.Add(time.Hour))
	s.BlacklistSyncSource("b:1", now.Add(time.Hour))
	s.ClearSyncSourceBlacklist()
	assert.NotEmpty(t, s.ChooseNewSyncSource(api.OpTime{}))
}

// srvServer answers SRV questions for one name from a mutable record set.
type srvServer struct {
	mu      sync.Mutex
	records []*dns.SRV
	queries atomic.Int32
}

func (s *srvServer) set(records ...*dns.SRV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

func (s *srvServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	s.queries.Add(1)
	reply := new(dns.Msg)
	s.mu.Lock()
	records := s.records
	s.mu.Unlock()
	if len(records) == 0 {
		reply.SetRcode(r, dns.RcodeNameError)
	} else {
		reply.SetReply(r)
		for _, rr := range records {
			rr.Hdr = dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 0}
			reply.Answer = append(reply.Answer, rr)
		}
	}
	_ = w.WriteMsg(reply)
}

func startDNS(t *testing.T, h dns.Handler) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func srv(prio, weight, port uint16, target string) *dns.SRV {
	return &dns.SRV{Priority: prio, Weight: weight, Port: port, Target: dns.Fqdn(target)}
}

func TestDNSSeedLookup(t *testing.T) {
	h := &srvServer{}
	h.set(
		srv(20, 0, 27019, "c.example.test"),
		srv(10, 1, 27018, "b.example.test"),
		srv(10, 5, 27017, "a.example.test"),
	)
	addr := startDNS(t, h)
	_, log := logger.NewTestLogger()

	d := NewDNSSeedSelector("_sync._tcp.example.test", addr, time.Hour, log)
	hosts, err := d.Lookup()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.test:27017", "b.example.test:27018", "c.example.test:27019"}, hosts)

	h.set()
	_, err = d.Lookup()
	assert.Error(t, err)
}

func TestDNSSeedSelectorRefresh(t *testing.T) {
	h := &srvServer{}
	h.set(srv(0, 0, 1, "a.example.test"))
	addr := startDNS(t, h)
	buf, log := logger.NewTestLogger()

	now := time.Unix(1000, 0)
	d := NewDNSSeedSelector("_sync._tcp.example.test", addr, time.Minute, log)
	d.now = func() time.Time { return now }

	assert.Equal(t, "a.example.test:1", d.ChooseNewSyncSource(api.OpTime{}))
	assert.Equal(t, "a.example.test:1", d.ChooseNewSyncSource(api.OpTime{}))
	assert.Equal(t, int32(1), h.queries.Load(), "records are cached until the refresh interval")

	d.BlacklistSyncSource("a.example.test:1", now.Add(time.Hour))
	h.set(srv(0, 0, 2, "b.example.test"))
	now = now.Add(time.Minute)
	assert.Equal(t, "b.example.test:2", d.ChooseNewSyncSource(api.OpTime{}))
	assert.Equal(t, int32(2), h.queries.Load())

	h.set()
	now = now.Add(time.Minute)
	assert.Equal(t, "b.example.test:2", d.ChooseNewSyncSource(api.OpTime{}), "failed refresh keeps the previous hosts")
	assert.Contains(t, buf.String(), "failed to resolve sync source seeds")
}
