// Package netproxy fetches URLs on behalf of connected devices, subject to
// a permission policy, a per-device rate limit and a per-host circuit
// breaker.
package netproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/profile"
)

// Defaults for zero Options fields
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxBody     = 4096
	DefaultRate        = rate.Limit(1)
	DefaultBurst       = 3
	DefaultMaxFailures = 5
	DefaultOpenTimeout = 30 * time.Second
)

// Options configures a Proxy.
type Options struct {
	Timeout time.Duration
	MaxBody int64

	// Rate and Burst bound requests per device.
	Rate  rate.Limit
	Burst int

	// MaxFailures consecutive transport errors open a host's breaker for
	// OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration

	Client *http.Client

	// Sink returns where to emit events for a device. May be nil.
	Sink func(device string) event.Sink
}

type fetched struct {
	status int
	body   []byte
}

// Proxy implements profile.HTTPHandler.
type Proxy struct {
	policy Permission
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[fetched]

	stats struct {
		sync.Mutex
		denied, limited, failed, served uint64
	}
}

var _ profile.HTTPHandler = (*Proxy)(nil)

// New creates a new proxy. A nil policy denies everything.
func New(policy Permission, opts Options) *Proxy {
	if policy == nil {
		policy = PermissionFunc(func(string, string) bool { return false })
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		policy:   policy,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[fetched]),
	}
}

func (p *Proxy) sink(device string) event.Sink {
	if p.opts.Sink == nil {
		return event.Discard
	}
	if s := p.opts.Sink(device); s != nil {
		return s
	}
	return event.Discard
}

func (p *Proxy) limiter(device string) *rate.Limiter {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	l, ok := p.limiters[device]
	if !ok {
		l = rate.NewLimiter(p.opts.Rate, p.opts.Burst)
		p.limiters[device] = l
	}
	return l
}

func (p *Proxy) breaker(host string) *gobreaker.CircuitBreaker[fetched] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cb, ok := p.breakers[host]
	if !ok {
		maxFailures := p.opts.MaxFailures
		cb = gobreaker.NewCircuitBreaker[fetched](gobreaker.Settings{
			Name:        "netproxy:" + host,
			MaxRequests: 1,
			Timeout:     p.opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
			},
		})
		p.breakers[host] = cb
	}
	return cb
}

// ServeDeviceRequest checks the policy and the device's rate limit
// synchronously, then fetches in the background.
func (p *Proxy) ServeDeviceRequest(req profile.HTTPRequest, respond func(status int, body []byte)) {
	if !p.policy.IsPermitted(KindNetwork, req.Device) {
		p.count(&p.stats.denied)
		log.Warnf("Denied HTTP request %d from %s to %s: no %s permission", req.ID, req.Device, req.URL, KindNetwork)
		p.sink(req.Device).Emit(event.PermissionDenied{
			Header:  event.NewHeader(req.Device),
			Request: KindNetwork,
			URL:     req.URL,
		})
		respond(http.StatusForbidden, nil)
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		p.count(&p.stats.failed)
		log.Warnf("Rejected HTTP request %d from %s: bad url %q", req.ID, req.Device, req.URL)
		respond(http.StatusBadRequest, nil)
		return
	}

	if !p.limiter(req.Device).Allow() {
		p.count(&p.stats.limited)
		log.Warnf("Rate limited HTTP request %d from %s", req.ID, req.Device)
		respond(http.StatusTooManyRequests, nil)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		status, body := p.fetch(req, u)
		respond(status, body)
	}()
}

func (p *Proxy) fetch(req profile.HTTPRequest, u *url.URL) (int, []byte) {
	start := time.Now()
	res, err := p.breaker(u.Host).Execute(func() (fetched, error) {
		return p.get(u.String())
	})
	if err != nil {
		p.count(&p.stats.failed)
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		log.Warnf("HTTP request %d from %s to %s failed: %v", req.ID, req.Device, req.URL, err)
		return status, nil
	}

	if int64(len(res.body)) > p.opts.MaxBody {
		p.count(&p.stats.failed)
		log.Warnf("HTTP response for %d from %s exceeds %d bytes", req.ID, req.Device, p.opts.MaxBody)
		return http.StatusBadGateway, nil
	}

	p.count(&p.stats.served)
	log.Debugf("Proxied %s for %s: %d, %d bytes in %s", req.URL, req.Device, res.status, len(res.body), time.Since(start))
	p.sink(req.Device).Emit(event.HTTPProxied{
		Header:    event.NewHeader(req.Device),
		RequestID: req.ID,
		URL:       req.URL,
		Status:    res.status,
		Bytes:     len(res.body),
	})
	return res.status, res.body
}

// get reads at most MaxBody+1 bytes so oversize bodies are detectable.
func (p *Proxy) get(rawURL string) (fetched, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fetched{}, err
	}
	resp, err := p.opts.Client.Do(httpReq)
	if err != nil {
		return fetched{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.opts.MaxBody+1))
	if err != nil {
		return fetched{}, fmt.Errorf("read body: %w", err)
	}
	return fetched{status: resp.StatusCode, body: body}, nil
}

func (p *Proxy) count(n *uint64) {
	p.stats.Lock()
	*n++
	p.stats.Unlock()
}

// Close cancels in-flight fetches and waits for their responses.
func (p *Proxy) Close() {
	p.cancel()
	p.wg.Wait()
}

// GetStats returns proxy counters
func (p *Proxy) GetStats() map[string]interface{} {
	p.stats.Lock()
	defer p.stats.Unlock()

	p.mutex.Lock()
	open := 0
	for _, cb := range p.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	p.mutex.Unlock()

	return map[string]interface{}{
		"served":        p.stats.served,
		"denied":        p.stats.denied,
		"limited":       p.stats.limited,
		"failed":        p.stats.failed,
		"open_breakers": open,
	}
}
