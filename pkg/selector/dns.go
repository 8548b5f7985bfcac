package selector

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

var ErrNoSeeds = errors.New("selector: no SRV records")

var _ api.SyncSourceSelector = (*DNSSeedSelector)(nil)

// DNSSeedSelector resolves the candidate hosts from the SRV records of a
// seed name and refreshes them once RefreshInterval has passed. Selection
// and blacklisting are those of Static.
type DNSSeedSelector struct {
	*Static

	name     string
	server   string
	client   *dns.Client
	interval time.Duration
	resolved time.Time
	logger   *slog.Logger
}

// NewDNSSeedSelector queries server (host:port) for name's SRV records.
// The first lookup happens on the first selection.
func NewDNSSeedSelector(name, server string, refresh time.Duration, log *slog.Logger) *DNSSeedSelector {
	return &DNSSeedSelector{
		Static:   NewStatic(),
		name:     dns.Fqdn(name),
		server:   server,
		client:   &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		interval: refresh,
		logger:   log.With(slog.String("component", "selector"), slog.String("seed", name)),
	}
}

func (d *DNSSeedSelector) ChooseNewSyncSource(lastOpTimeFetched api.OpTime) string {
	d.maybeRefresh()
	return d.Static.ChooseNewSyncSource(lastOpTimeFetched)
}

func (d *DNSSeedSelector) maybeRefresh() {
	d.mu.Lock()
	stale := d.resolved.IsZero() || (d.interval > 0 && d.now().Sub(d.resolved) >= d.interval)
	d.mu.Unlock()
	if !stale {
		return
	}

	hosts, err := d.Lookup()
	if err != nil {
		// Keep the previous list and try again on the next selection.
		d.logger.Warn("failed to resolve sync source seeds", logger.ErrAttr(err))
		return
	}
	d.SetHosts(hosts)
	d.mu.Lock()
	d.resolved = d.now()
	d.mu.Unlock()
	d.logger.Debug("resolved sync source seeds", "hosts", hosts)
}

// Lookup queries the SRV records and returns host:port pairs ordered by
// priority, then by descending weight.
func (d *DNSSeedSelector) Lookup() ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(d.name, dns.TypeSRV)
	in, _, err := d.client.Exchange(m, d.server)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup of %s: %w", d.name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup of %s: %s", d.name, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoSeeds, d.name)
	}
	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	hosts := make([]string, 0, len(records))
	for _, srv := range records {
		target := strings.TrimSuffix(srv.Target, ".")
		hosts = append(hosts, net.JoinHostPort(target, strconv.Itoa(int(srv.Port))))
	}
	return hosts, nil
}
