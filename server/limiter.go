package server

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ransomguard/config"
)

type LimitAction int

const (
	ActionAllow LimitAction = iota
	ActionDelay
	ActionDrop
)

func (a LimitAction) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDelay:
		return "delay"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

const (
	limitShardCount = 64
	// maxPacingDelay is the longest a request is held back to smooth a
	// burst; anything needing more is dropped.
	maxPacingDelay = time.Second
)

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	sync.Mutex
	clients map[string]*clientState
}

// Limiter applies a token bucket per client address.
type Limiter struct {
	shards  [limitShardCount]*limiterShard
	cfg     config.RateLimitConfig
	seed    maphash.Seed
	nowFunc func() time.Time
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{cfg: cfg, seed: maphash.MakeSeed(), nowFunc: time.Now}
	for i := range l.shards {
		l.shards[i] = &limiterShard{clients: make(map[string]*clientState)}
	}
	return l
}

func (l *Limiter) shard(key string) *limiterShard {
	return l.shards[maphash.String(l.seed, key)&(limitShardCount-1)]
}

// Check reserves a token for client. A short wait is returned as
// ActionDelay; a long one is cancelled and reported as ActionDrop.
func (l *Limiter) Check(client string) (LimitAction, time.Duration) {
	if !l.cfg.Enabled || client == "" {
		return ActionAllow, 0
	}
	sh := l.shard(client)
	now := l.nowFunc()

	sh.Lock()
	st, ok := sh.clients[client]
	if !ok {
		st = &clientState{limiter: rate.NewLimiter(rate.Limit(l.cfg.ClientQPS), l.cfg.ClientBurst)}
		sh.clients[client] = st
	}
	st.lastSeen = now
	res := st.limiter.ReserveN(now, 1)
	sh.Unlock()

	if !res.OK() {
		return ActionDrop, 0
	}
	delay := res.DelayFrom(now)
	switch {
	case delay == 0:
		return ActionAllow, 0
	case delay <= maxPacingDelay:
		return ActionDelay, delay
	}
	res.CancelAt(now)
	return ActionDrop, delay
}

// Clients reports how many client buckets are live.
func (l *Limiter) Clients() int {
	n := 0
	for _, sh := range l.shards {
		sh.Lock()
		n += len(sh.clients)
		sh.Unlock()
	}
	return n
}

func (l *Limiter) cleanup() int {
	exp := l.cfg.Expiration()
	if exp <= 0 {
		exp = 10 * time.Minute
	}
	now := l.nowFunc()
	removed := 0
	for _, sh := range l.shards {
		sh.Lock()
		for k, st := range sh.clients {
			if now.Sub(st.lastSeen) > exp {
				delete(sh.clients, k)
				removed++
			}
		}
		sh.Unlock()
	}
	return removed
}

// RunCleanup evicts idle clients until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	if !l.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.cleanup(); n > 0 {
				slog.Debug("evicted idle rate limit clients", "count", n)
			}
		}
	}
}
