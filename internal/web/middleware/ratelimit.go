package middleware

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kozaktomas/face-tracker/internal/metrics"
	"golang.org/x/time/rate"
)

// ErrRateLimited is reported when a device sends recognitions faster than
// its cooldown allows.
var ErrRateLimited = errors.New("rate limited")

// pruneThreshold is the tracked-key count above which idle limiters are dropped.
const pruneThreshold = 4096

type deviceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// DeviceLimiter allows one request per cooldown for each capture device.
type DeviceLimiter struct {
	mu       sync.RWMutex
	entries  map[string]*deviceEntry
	cooldown time.Duration
	now      func() time.Time
}

// NewDeviceLimiter creates a limiter; a non-positive cooldown disables it.
func NewDeviceLimiter(cooldown time.Duration) *DeviceLimiter {
	return &DeviceLimiter{
		entries:  make(map[string]*deviceEntry),
		cooldown: cooldown,
		now:      time.Now,
	}
}

func (l *DeviceLimiter) entry(key string) *deviceEntry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e
	}
	if len(l.entries) >= pruneThreshold {
		l.pruneLocked()
	}
	e = &deviceEntry{limiter: rate.NewLimiter(rate.Every(l.cooldown), 1)}
	l.entries[key] = e
	return e
}

// pruneLocked drops limiters idle for longer than the cooldown. Their bucket
// is full again, so a fresh limiter behaves identically.
func (l *DeviceLimiter) pruneLocked() {
	cutoff := l.now().Add(-l.cooldown)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// Allow reports whether key may proceed now.
func (l *DeviceLimiter) Allow(key string) bool {
	if l.cooldown <= 0 {
		return true
	}
	e := l.entry(key)
	now := l.now()

	l.mu.Lock()
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked devices.
func (l *DeviceLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// DeviceKey identifies the caller of r. An explicit deviceID, taken by the
// handler from the request body or form, wins over the device_id query
// parameter, then the X-Device-ID header, then the remote IP.
func DeviceKey(r *http.Request, deviceID string) string {
	if deviceID != "" {
		return "device:" + deviceID
	}
	if id := r.URL.Query().Get("device_id"); id != "" {
		return "device:" + id
	}
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return "device:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// AllowRequest applies the cooldown to the caller identified by DeviceKey.
func (l *DeviceLimiter) AllowRequest(r *http.Request, deviceID string) bool {
	return l.Allow(DeviceKey(r, deviceID))
}

// Reject writes the response for a request that arrived inside its cooldown.
func (l *DeviceLimiter) Reject(w http.ResponseWriter) {
	metrics.RateLimited.Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", retryAfter(l.cooldown))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"` + ErrRateLimited.Error() + `"}`))
}

func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
