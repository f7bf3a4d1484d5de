// Package identity implements the two identity providers the engine may
// consult per item: a User-Agent source and a proxy source with an outcome
// callback so it can score/rotate endpoints.
package identity

import (
	"math/rand"

	"github.com/projectdiscovery/gcache"
)

// UserAgentProvider is a stateless source of User-Agent header values.
type UserAgentProvider interface {
	Provide() string
}

// ProxyResult names one proxy endpoint handed out by a ProxyProvider.
type ProxyResult struct {
	ID       string
	Endpoint string
}

// ProxyProvider optionally hands out a proxy endpoint per item and is
// notified of the outcome so it can score/rotate endpoints. Provide
// returning nil means "issue without a proxy".
type ProxyProvider interface {
	Provide() *ProxyResult
	Callback(result *ProxyResult, ok bool, responseStatus int, requestURL string)
}

// defaultUserAgents mirrors the original Python source's fixed rotation
// list (king_downloader/utils.py: UserAgentProvider.user_agent_list).
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 6.1; WOW64; rv:24.0) Gecko/20100101 Firefox/24.0",
	"Mozilla/5.0 (Windows NT 6.1; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/30.0.1599.69 Safari/537.36",
	"Mozilla/5.0 (Windows NT 6.1; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/30.0.1599.101 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_8_5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/30.0.1599.69 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_8_5) AppleWebKit/536.30.1 (KHTML, like Gecko) Version/6.0.5 Safari/536.30.1",
	"Mozilla/5.0 (Windows NT 6.1; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/29.0.1547.76 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_8_5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/30.0.1599.101 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.8; rv:24.0) Gecko/20100101 Firefox/24.0",
	"Mozilla/5.0 (Windows NT 6.1; rv:24.0) Gecko/20100101 Firefox/24.0",
	"Mozilla/5.0 (Windows NT 5.1; rv:24.0) Gecko/20100101 Firefox/24.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:24.0) Gecko/20100101 Firefox/24.0",
}

// DefaultUserAgentProvider returns a uniformly random element from a fixed
// built-in list, per spec.md §4.3.
type DefaultUserAgentProvider struct {
	list []string
}

// NewDefaultUserAgentProvider builds a provider over the built-in list.
func NewDefaultUserAgentProvider() *DefaultUserAgentProvider {
	return &DefaultUserAgentProvider{list: defaultUserAgents}
}

func (p *DefaultUserAgentProvider) Provide() string {
	return p.list[rand.Intn(len(p.list))]
}

// endpointScore tracks a rolling success/failure tally for one proxy endpoint.
type endpointScore struct {
	successes int
	failures  int
}

// ScoringProxyProvider rotates across a fixed endpoint pool, consulting a
// gcache LRU of per-endpoint scores to prefer healthy proxies and skip ones
// that have accumulated too many consecutive failures. The cache also
// bounds memory use when the pool is large and churns.
type ScoringProxyProvider struct {
	endpoints []string
	scores    gcache.Cache[string, *endpointScore]
	next      int
	maxFails  int
}

// NewScoringProxyProvider builds a provider over a fixed set of proxy
// endpoints (e.g. "http://127.0.0.1:8080"), scoring up to cacheSize of them
// at once and skipping any endpoint with >= maxFails consecutive failures.
func NewScoringProxyProvider(endpoints []string, cacheSize, maxFails int) *ScoringProxyProvider {
	return &ScoringProxyProvider{
		endpoints: endpoints,
		scores:    gcache.New[string, *endpointScore](cacheSize).LRU().Build(),
		maxFails:  maxFails,
	}
}

// Provide returns the next endpoint in rotation that isn't currently marked
// unhealthy, or nil if the pool is empty or every endpoint is unhealthy.
func (p *ScoringProxyProvider) Provide() *ProxyResult {
	if len(p.endpoints) == 0 {
		return nil
	}
	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.next + i) % len(p.endpoints)
		ep := p.endpoints[idx]
		if sc, err := p.scores.Get(ep); err == nil && sc != nil {
			if sc.failures >= p.maxFails {
				continue
			}
		}
		p.next = (idx + 1) % len(p.endpoints)
		return &ProxyResult{ID: ep, Endpoint: ep}
	}
	return nil
}

// Callback records the outcome against the endpoint's rolling score.
func (p *ScoringProxyProvider) Callback(result *ProxyResult, ok bool, _ int, _ string) {
	if result == nil {
		return
	}
	sc, err := p.scores.Get(result.ID)
	if err != nil || sc == nil {
		sc = &endpointScore{}
	}
	if ok {
		sc.successes++
		sc.failures = 0
	} else {
		sc.failures++
	}
	_ = p.scores.Set(result.ID, sc)
}
