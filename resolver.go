package rollup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DNSConfig selects the resolvers used to look up the metrics API host.
// When no servers are configured the system resolver is used alone.
type DNSConfig struct {
	CacheTTL     time.Duration
	Timeout      time.Duration
	UDPServers   []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	TLSServers   []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DoHEndpoints []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

// Resolver looks up hosts through every configured resolver concurrently
// and caches the first successful answer.
type Resolver struct {
	cfg      DNSConfig
	logger   *zap.Logger
	doh      *http.Client
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
	dialer   *net.Dialer

	mutex sync.Mutex
	cache map[string]dnsCacheEntry
}

// NewResolver creates a resolver
func NewResolver(cfg DNSConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.CacheTTL = pickDuration(cfg.CacheTTL, 10*time.Minute)
	cfg.Timeout = pickDuration(cfg.Timeout, 800*time.Millisecond)

	return &Resolver{
		cfg:    cfg,
		logger: logger,
		doh:    &http.Client{Timeout: cfg.Timeout},
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip4", host)
		},
		dialer: &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second},
		cache:  make(map[string]dnsCacheEntry),
	}
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Resolve returns the IPv4 addresses of host
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	r.mutex.Lock()
	ce, ok := r.cache[host]
	r.mutex.Unlock()
	if ok && time.Now().Before(ce.ttl) {
		return ce.ips, nil
	}

	ips, err := r.resolveFastest(ctx, host)
	if err != nil {
		r.logger.Warn("DNS lookup failed", zap.String("host", host), zap.Error(err))
		return nil, err
	}

	r.mutex.Lock()
	r.cache[host] = dnsCacheEntry{ips: ips, ttl: time.Now().Add(r.cfg.CacheTTL)}
	r.mutex.Unlock()

	r.logger.Debug("Resolved metrics host", zap.String("host", host), zap.Strings("ips", ips))
	return ips, nil
}

// Invalidate drops the cached answer for host
func (r *Resolver) Invalidate(host string) {
	r.mutex.Lock()
	delete(r.cache, host)
	r.mutex.Unlock()
}

// DialContext dials addr using the resolved addresses of its host, trying
// each in turn. A failed dial invalidates the cached answer.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	r.Invalidate(host)
	return nil, fmt.Errorf("dialing %s failed: %w", addr, lastErr)
}

// resolveFastest queries all configured resolvers concurrently and returns first success
func (r *Resolver) resolveFastest(parent context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	attempts := 1 + len(r.cfg.UDPServers) + len(r.cfg.TLSServers) + len(r.cfg.DoHEndpoints)
	ch := make(chan result, attempts)

	for _, srv := range r.cfg.UDPServers {
		go func() {
			ips, err := exchange(ctx, host, "udp", srv, r.cfg.Timeout)
			ch <- result{ips, err}
		}()
	}
	for _, srv := range r.cfg.TLSServers {
		go func() {
			ips, err := exchange(ctx, host, "tcp-tls", srv, r.cfg.Timeout)
			ch <- result{ips, err}
		}()
	}
	for _, ep := range r.cfg.DoHEndpoints {
		go func() {
			ips, err := r.resolveDoH(ctx, host, ep)
			ch <- result{ips, err}
		}()
	}

	// System resolver as fallback
	go func() {
		netIPs, err := r.lookupIP(ctx, host)
		ips := make([]string, 0, len(netIPs))
		for _, ip := range netIPs {
			ips = append(ips, ip.String())
		}
		ch <- result{ips, err}
	}()

	var firstErr error
	for i := 0; i < attempts; i++ {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %s", host)
	}
	return nil, firstErr
}

func exchange(ctx context.Context, host, network, server string, timeout time.Duration) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: timeout}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns failed: %w", network, err)
	}
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s dns failed: bad response", network)
	}
	return answerIPs(r), nil
}

func (r *Resolver) resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := r.doh.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var msg dns.Msg
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh rcode: %d", msg.Rcode)
	}
	return answerIPs(&msg), nil
}

func answerIPs(r *dns.Msg) []string {
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}
