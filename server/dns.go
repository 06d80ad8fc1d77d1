package server

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"

	"safelink/engine"
	"safelink/ttlcache"
)

// HostChecker decides whether a queried host is blocked.
type HostChecker interface {
	CheckHost(host string) engine.URLResult
	Settings(ctx context.Context) engine.Settings
}

const (
	blockTTL       = 60
	minUpstreamTTL = uint32(20)      // 20s
	maxUpstreamTTL = uint32(30 * 60) // 30m
	cleanupEvery   = time.Minute
)

// DNSServer is a sinkhole: hosts the site rules block resolve to 0.0.0.0 or
// ::, everything else is forwarded upstream and cached.
type DNSServer struct {
	Checker       HostChecker
	Upstream      string
	Server        *dns.Server
	UpstreamCache *ttlcache.Cache[string, *dns.Msg]

	exchange func(m *dns.Msg, addr string) (*dns.Msg, error)
	cancel   context.CancelFunc
}

// NewDNSServer creates a new DNS server instance.
func NewDNSServer(addr, upstream string, checker HostChecker) *DNSServer {
	srv := &DNSServer{
		Checker:       checker,
		Upstream:      upstream,
		UpstreamCache: ttlcache.New[string, *dns.Msg](nil),
		exchange:      dns.Exchange,
	}

	srv.Server = &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: dns.HandlerFunc(srv.handleRequest),
	}

	return srv
}

func (s *DNSServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.UpstreamCache.Run(ctx, cleanupEvery)

	log.Printf("DNS Server listening on %s (Upstream: %s)", s.Server.Addr, s.Upstream)
	return s.Server.ListenAndServe()
}

func (s *DNSServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.Server.Shutdown()
}

func (s *DNSServer) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	resp, err := s.Resolve(context.Background(), r)
	if err != nil {
		log.Printf("Upstream error: %v", err)
		dns.HandleFailed(w, r)
		return
	}
	w.WriteMsg(resp)
}

// Resolve answers r. Only the first question is considered.
func (s *DNSServer) Resolve(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if len(r.Question) == 0 {
		m := new(dns.Msg)
		m.SetReply(r)
		return m, nil
	}
	q := r.Question[0]
	name := strings.ToLower(q.Name)

	if s.Checker.Settings(ctx).SiteBlockMode != engine.ModeDisabled {
		res := s.Checker.CheckHost(name)
		if res.Blocked && !res.Allowed {
			log.Printf("[BLOCK] Domain: %s, Rule: %s (%s)", name, res.Matched, res.Reason)
			return sinkhole(r, q), nil
		}
	}

	key := fmt.Sprintf("%d:%s", q.Qtype, name)
	if cached, ok := s.UpstreamCache.Get(key); ok {
		resp := cached.Copy()
		resp.Id = r.Id
		return resp, nil
	}

	resp, err := s.exchange(r, s.Upstream)
	if err != nil {
		return nil, err
	}
	s.UpstreamCache.Set(key, resp.Copy(), time.Duration(cacheTTL(resp))*time.Second)
	return resp, nil
}

func sinkhole(r *dns.Msg, q dns.Question) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.RecursionAvailable = true

	var rr dns.RR
	var err error
	switch q.Qtype {
	case dns.TypeA:
		rr, err = dns.NewRR(fmt.Sprintf("%s %d IN A 0.0.0.0", q.Name, blockTTL))
	case dns.TypeAAAA:
		rr, err = dns.NewRR(fmt.Sprintf("%s %d IN AAAA ::", q.Name, blockTTL))
	}
	if err == nil && rr != nil {
		m.Answer = append(m.Answer, rr)
	}
	return m
}

// cacheTTL is the smallest record TTL in resp clamped to
// [minUpstreamTTL, maxUpstreamTTL]. Empty responses get the minimum.
func cacheTTL(resp *dns.Msg) uint32 {
	ttl := maxUpstreamTTL
	found := false
	for _, section := range [][]dns.RR{resp.Answer, resp.Ns, resp.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			ttl = min(ttl, rr.Header().Ttl)
			found = true
		}
	}
	if !found {
		return minUpstreamTTL
	}
	return max(ttl, minUpstreamTTL)
}
