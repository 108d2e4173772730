package guardrails

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/adsage/adsage-cli/internal/config"
)

// ErrCircuitOpen is returned while the probe circuit is open; callers skip
// the landing-page check rather than fail the whole validation.
var ErrCircuitOpen = errors.New("landing page probe circuit open")

// ProbeResult is one landing-page health observation.
type ProbeResult struct {
	Reachable         bool
	StatusCode        int
	Latency           time.Duration
	HTTPS             bool
	HasMobileViewport bool
}

// Prober fetches landing pages with a bounded timeout, a request rate limit,
// and a consecutive-failure circuit breaker, so a slow or dead destination
// site can never stall mutation validation.
type Prober struct {
	cfg     config.LandingPageConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// NewProber builds a landing-page prober.
func NewProber(cfg config.LandingPageConfig, logger *zap.Logger) (*Prober, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ProbesPerSecond <= 0 {
		return nil, fmt.Errorf("probes per second must be positive, got %.2f", cfg.ProbesPerSecond)
	}
	return &Prober{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1),
		logger:  logger.Named("landing_page"),
		now:     time.Now,
	}, nil
}

// Probe fetches one URL and reports its health. Transport failures count
// toward the breaker; HTTP error statuses are an observation, not a probe
// failure.
func (p *Prober) Probe(ctx context.Context, pageURL string) (*ProbeResult, error) {
	if err := p.checkCircuit(); err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("probe rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid landing page url %q: %w", pageURL, err)
	}

	start := p.now()
	resp, err := p.client.Do(req)
	latency := p.now().Sub(start)
	if err != nil {
		p.recordFailure()
		p.logger.Warn("Landing page unreachable",
			zap.String("url", pageURL), zap.Duration("latency", latency), zap.Error(err))
		return &ProbeResult{Reachable: false, Latency: latency}, nil
	}
	defer resp.Body.Close()
	p.recordSuccess()

	result := &ProbeResult{
		Reachable:  true,
		StatusCode: resp.StatusCode,
		Latency:    latency,
		HTTPS:      resp.Request.URL.Scheme == "https",
	}
	if doc, parseErr := html.Parse(resp.Body); parseErr == nil {
		result.HasMobileViewport = hasViewportMeta(doc)
	}
	return result, nil
}

// checkCircuit rejects while open; one trial request is allowed through
// after the cooldown.
func (p *Prober) checkCircuit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures < p.cfg.BreakerThreshold {
		return nil
	}
	if p.now().Sub(p.openedAt) < p.cfg.BreakerCooldown {
		return ErrCircuitOpen
	}
	// Half-open: let this request through as the trial.
	p.failures = p.cfg.BreakerThreshold - 1
	return nil
}

func (p *Prober) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if p.failures == p.cfg.BreakerThreshold {
		p.openedAt = p.now()
		p.logger.Warn("Landing page probe circuit opened",
			zap.Int("failures", p.failures), zap.Duration("cooldown", p.cfg.BreakerCooldown))
	}
}

func (p *Prober) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}

// hasViewportMeta walks the parsed document for <meta name="viewport">, the
// signal mobile-readiness checks key on.
func hasViewportMeta(n *html.Node) bool {
	if n.Type == html.ElementNode && n.Data == "meta" {
		for _, attr := range n.Attr {
			if attr.Key == "name" && strings.EqualFold(attr.Val, "viewport") {
				return true
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if hasViewportMeta(child) {
			return true
		}
	}
	return false
}
