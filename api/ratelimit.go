package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// authMaxFailures is the number of rejected bearer tokens from one IP
	// before lockout begins.
	authMaxFailures = 20
	// downloadMaxFailures is the number of unknown or expired download ids
	// from one IP before lockout begins.
	downloadMaxFailures = 10

	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute
	// attemptExpiry is how long after the last failure a record is kept.
	attemptExpiry = 1 * time.Hour
	// maxTrackedIPs triggers a sweep of expired records on the next failure.
	maxTrackedIPs = 10000
)

// ipRateLimiter tracks failures per source IP and applies exponential
// backoff once maxFailures is reached. A nil limiter never blocks.
type ipRateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptRecord
	maxFailures int
	now         func() time.Time
}

func newIPRateLimiter(maxFailures int) *ipRateLimiter {
	return &ipRateLimiter{
		attempts:    make(map[string]*attemptRecord),
		maxFailures: maxFailures,
		now:         time.Now,
	}
}

// check reports whether ip is locked out and for how long.
func (rl *ipRateLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	if rl == nil {
		return false, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *ipRateLimiter) recordFailure(ip string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.attempts) >= maxTrackedIPs {
		rl.sweepLocked(now)
	}
	rec, ok := rl.attempts[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[ip] = rec
	}
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.maxFailures {
		// baseLockout * 2^(failures - maxFailures), capped.
		lockout := ipBaseLockout
		for i := 0; i < rec.failures-rl.maxFailures; i++ {
			lockout *= 2
			if lockout > ipMaxLockout {
				lockout = ipMaxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess clears the failure history of ip.
func (rl *ipRateLimiter) recordSuccess(ip string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

func (rl *ipRateLimiter) sweepLocked(now time.Time) {
	for ip, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, ip)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed requests; try again later")
}

// clientIP returns the client IP used as the rate limit key.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// when RemoteAddr falls within one of trustedProxies. With no trusted
// proxies RemoteAddr is always returned.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// [::1]:1234 and 10.0.0.1:80 forms.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
