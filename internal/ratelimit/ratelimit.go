// Package ratelimit provides two-level (per-IP and global) connection
// admission control for the shard control channel listener.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the per-IP and global token buckets.
type Config struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// ipEntry pairs a per-IP limiter with its last access time, so a
// background sweep can evict IPs that haven't connected in a while.
type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter admits or rejects an inbound shard connection attempt based
// on its source IP and the global connection rate.
type Limiter struct {
	mu     sync.Mutex
	ips    map[string]*ipEntry
	ipTTL  time.Duration
	global *rate.Limiter
	cfg    Config
}

// New builds a Limiter, filling in defaults for any zero field.
func New(cfg Config) *Limiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	return &Limiter{
		ips:    make(map[string]*ipEntry),
		ipTTL:  cfg.IPTTL,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		cfg:    cfg,
	}
}

// Reason names why Allow rejected a connection.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonGlobal Reason = "global"
	ReasonIP     Reason = "per_ip"
)

// Allow checks the global bucket first (cheap, no map lookup), then
// the per-IP bucket.
func (l *Limiter) Allow(ip string) (bool, Reason) {
	if !l.global.Allow() {
		return false, ReasonGlobal
	}
	if !l.ipLimiter(ip).Allow() {
		return false, ReasonIP
	}
	return true, ReasonNone
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.ips[ip]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e := &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst),
		lastAccess: time.Now(),
	}
	l.ips[ip] = e
	return e.limiter
}

// Sweep evicts IP entries idle for longer than ipTTL. Call it
// periodically (e.g. once a minute) from a background goroutine.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, e := range l.ips {
		if now.Sub(e.lastAccess) > l.ipTTL {
			delete(l.ips, ip)
		}
	}
}

// TrackedIPs reports how many per-IP limiters are currently held, for
// admin/stats reporting.
func (l *Limiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}
