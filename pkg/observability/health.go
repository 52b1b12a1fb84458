package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus is the health of the service or one of its components.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const tierPingTimeout = 3 * time.Second

// TierStatus is the result of pinging one storage tier.
type TierStatus struct {
	Status   HealthStatus `json:"status"`
	Critical bool         `json:"critical"`
	Latency  string       `json:"latency"`
	Error    string       `json:"error,omitempty"`
}

// BreakerStatus is the state of one circuit breaker.
type BreakerStatus struct {
	Status HealthStatus `json:"status"`
	State  string       `json:"state"`
}

// HealthResponse is the body served on /health.
type HealthResponse struct {
	Status   HealthStatus             `json:"status"`
	Version  string                   `json:"version"`
	Uptime   string                   `json:"uptime"`
	Tiers    map[string]TierStatus    `json:"tiers"`
	Breakers map[string]BreakerStatus `json:"breakers"`
}

type tier struct {
	ping     func(context.Context) error
	critical bool
}

// HealthChecker pings the storage tiers and reads breaker state. A critical
// tier that is down makes the service unhealthy; anything else that is not
// fine only degrades it.
type HealthChecker struct {
	mu       sync.RWMutex
	tiers    map[string]tier
	breakers map[string]func() string
}

var (
	globalChecker *HealthChecker
	checkerOnce   sync.Once
	startTime     = time.Now()
	version       = "dev"
)

// NewHealthChecker returns an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		tiers:    make(map[string]tier),
		breakers: make(map[string]func() string),
	}
}

// InitHealthChecker returns the process-wide checker served by the
// health handlers.
func InitHealthChecker() *HealthChecker {
	checkerOnce.Do(func() { globalChecker = NewHealthChecker() })
	return globalChecker
}

// SetVersion sets the version reported by health responses.
func SetVersion(v string) {
	version = v
}

// AddTier registers a storage tier under name.
func (hc *HealthChecker) AddTier(name string, ping func(context.Context) error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.tiers[name] = tier{ping: ping, critical: critical}
}

// AddBreaker registers a breaker. state returns "closed" when healthy.
func (hc *HealthChecker) AddBreaker(name string, state func() string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.breakers[name] = state
}

// Check pings every tier concurrently and reads every breaker.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	tiers := make(map[string]tier, len(hc.tiers))
	for name, t := range hc.tiers {
		tiers[name] = t
	}
	breakers := make(map[string]func() string, len(hc.breakers))
	for name, state := range hc.breakers {
		breakers[name] = state
	}
	hc.mu.RUnlock()

	resp := HealthResponse{
		Status:   HealthStatusHealthy,
		Version:  version,
		Uptime:   time.Since(startTime).Round(time.Second).String(),
		Tiers:    make(map[string]TierStatus, len(tiers)),
		Breakers: make(map[string]BreakerStatus, len(breakers)),
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for name, t := range tiers {
		g.Go(func() error {
			st := pingTier(ctx, t)
			mu.Lock()
			resp.Tiers[name] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range resp.Tiers {
		resp.Status = worse(resp.Status, st.Status)
	}
	for name, state := range breakers {
		s := state()
		st := BreakerStatus{Status: HealthStatusHealthy, State: s}
		if s != "closed" {
			st.Status = HealthStatusDegraded
		}
		resp.Breakers[name] = st
		resp.Status = worse(resp.Status, st.Status)
	}
	return resp
}

func pingTier(ctx context.Context, t tier) TierStatus {
	ctx, cancel := context.WithTimeout(ctx, tierPingTimeout)
	defer cancel()

	start := time.Now()
	err := t.ping(ctx)
	st := TierStatus{
		Status:   HealthStatusHealthy,
		Critical: t.critical,
		Latency:  time.Since(start).String(),
	}
	if err != nil {
		st.Status = HealthStatusDegraded
		if t.critical {
			st.Status = HealthStatusUnhealthy
		}
		st.Error = err.Error()
	}
	return st
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HealthHandler serves the full report. Degraded is still 200; the
// durable tier being down is 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := InitHealthChecker().Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler always answers 200 while the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler answers 503 while the service is unhealthy. A degraded
// cache still serves traffic from the durable tier.
func ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if InitHealthChecker().Check(r.Context()).Status == HealthStatusUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
