package memorylimiter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Limit caps calls per window for one bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// fallback applies when neither the bucket nor "default" is configured.
var fallback = Limit{Limit: 100, Window: time.Minute}

// sweepEvery bounds how many calls pass between sweeps of idle callers.
const sweepEvery = 1024

type callerKey struct {
	bucket string
	key    string
}

// Limiter is an in-memory sliding-window limiter for a single instance.
// Deployments with more than one replica use the Redis limiter instead.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	hits    map[callerKey][]time.Time
	calls   int
	longest time.Duration
	now     func() time.Time
}

func New(limits map[string]Limit) *Limiter {
	l := &Limiter{limits: make(map[string]Limit, len(limits)), hits: make(map[callerKey][]time.Time), now: time.Now}
	for bucket, lim := range limits {
		l.limits[bucket] = lim
		l.longest = max(l.longest, lim.Window)
	}
	l.longest = max(l.longest, fallback.Window)
	return l
}

func (l *Limiter) limitFor(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return fallback
}

// AllowNamed records one call by key against bucket. Denied calls are not
// recorded, so a caller that backs off regains capacity once its earlier
// calls leave the window.
func (l *Limiter) AllowNamed(_ context.Context, bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, errors.New("ratelimit: bucket and key required")
	}
	lim := l.limitFor(bucket)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	ck := callerKey{bucket, key}
	ts := trim(l.hits[ck], now.Add(-lim.Window))
	if len(ts) >= lim.Limit {
		l.hits[ck] = ts
		return false, nil
	}
	l.hits[ck] = append(ts, now)
	return true, nil
}

// trim drops timestamps at or before cutoff; ts is ascending.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	return ts[i:]
}

// sweep forgets callers whose newest call is older than every window.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-l.longest)
	for ck, ts := range l.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.hits, ck)
		}
	}
}
