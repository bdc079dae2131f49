package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionLimiter rate-limits connection attempts at two levels:
// per-IP (one misbehaving peer) and global (distributed floods). Both
// levels are token buckets.
type ConnectionLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiterConfig holds limits; zero values select defaults
// (per-IP 10 burst / 1 conn/s / 5 min TTL, global 300 burst / 50 conn/s).
type ConnectionLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

func NewConnectionLimiter(config ConnectionLimiterConfig) *ConnectionLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	cl := &ConnectionLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	cl.cleanupTicker = time.NewTicker(time.Minute)
	go cl.cleanupLoop()

	return cl
}

// Allow reports whether a connection attempt from ip may proceed.
// Global budget is checked first so the map lookup is skipped entirely
// under a distributed flood.
func (cl *ConnectionLimiter) Allow(ip string) bool {
	if !cl.globalLimiter.Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate limit")
		return false
	}
	if !cl.ipLimiter(ip).Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit")
		return false
	}
	return true
}

func (cl *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	if entry, ok := cl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(cl.ipRate), cl.ipBurst)
	cl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (cl *ConnectionLimiter) cleanupLoop() {
	for {
		select {
		case <-cl.cleanupTicker.C:
			cl.cleanup()
		case <-cl.stopCleanup:
			cl.cleanupTicker.Stop()
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range cl.ipLimiters {
		if now.Sub(entry.lastAccess) > cl.ipTTL {
			delete(cl.ipLimiters, ip)
		}
	}
}

// Stop halts the background cleanup goroutine.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
