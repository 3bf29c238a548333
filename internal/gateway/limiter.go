package gateway

import (
	"sync"
	"time"
)

// tokenBucket allows bursts up to capacity and a sustained rate of
// refillRate tokens per second.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow consumes one token if available; otherwise it reports how long
// until the next token frees up.
func (tb *tokenBucket) allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
	return false, wait
}

// pushLimiter hands each device its own bucket so one chatty device
// cannot starve its siblings. Buckets idle for an hour are pruned.
type pushLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	burst   int
	rate    float64
	stop    chan struct{}
}

func newPushLimiter(perMinute, burst int) *pushLimiter {
	l := &pushLimiter{
		buckets: make(map[string]*tokenBucket),
		burst:   burst,
		rate:    float64(perMinute) / 60.0,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *pushLimiter) allow(device string) (bool, time.Duration) {
	return l.bucket(device).allow()
}

func (l *pushLimiter) bucket(device string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[device]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[device]; ok {
		return b
	}
	b = newTokenBucket(l.burst, l.rate)
	l.buckets[device] = b
	return b
}

func (l *pushLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.prune(time.Hour)
		}
	}
}

func (l *pushLimiter) prune(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for device, b := range l.buckets {
		b.mu.Lock()
		if time.Since(b.lastRefill) > idle {
			delete(l.buckets, device)
		}
		b.mu.Unlock()
	}
}

func (l *pushLimiter) close() {
	close(l.stop)
}
