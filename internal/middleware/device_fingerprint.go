package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type ctxKey int

const ctxFingerprintKey ctxKey = 1

const headerPlatform = "X-Platform" // ios|android|web

const uaCacheTTL = time.Hour

// FingerprintConfig tunes device fingerprinting.
type FingerprintConfig struct {
	TrustedProxyIPHeaders []string `yaml:"trusted_proxy_ip_headers"`
	TrustedProxyCIDRs     []string `yaml:"trusted_proxy_cidrs"`
	EnableIPBucketing     bool     `yaml:"enable_ip_bucketing"`
	ServerPepper          string   `yaml:"server_pepper" env:"FINGERPRINT_PEPPER"`
}

// Fingerprint is a privacy-preserving device identity. Only peppered
// hashes and network buckets leave this middleware, so the struct is
// safe for logs and audit payloads. ClientIP is the exception: audit
// entries are the system of record for request attribution and store
// it verbatim.
type Fingerprint struct {
	DeviceKey  string
	UAHash     string
	IPBucket   string
	Platform   string
	ClientIP   string
	ObservedAt time.Time
}

// FingerprintFromContext returns the fingerprint attached by the
// middleware, if any.
func FingerprintFromContext(ctx context.Context) (*Fingerprint, bool) {
	fp, ok := ctx.Value(ctxFingerprintKey).(*Fingerprint)
	return fp, ok
}

// Fingerprinter derives a device fingerprint for every request and
// attaches it to the context. No I/O happens on the request path.
func Fingerprinter(cfg FingerprintConfig) (func(http.Handler) http.Handler, error) {
	pepper, err := decodePepper(cfg.ServerPepper)
	if err != nil {
		return nil, err
	}
	proxyNets, err := parseCIDRs(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, err
	}
	cache := newUACache(uaCacheTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userAgent := sanitizeHeader(r.UserAgent(), 1024)
			platform := normalizePlatform(r.Header.Get(headerPlatform))
			ip := clientIP(r, cfg.TrustedProxyIPHeaders, proxyNets)

			uaHash, ok := cache.Get(userAgent)
			if !ok {
				uaHash = scopedHash("ua:", userAgent, pepper)
				cache.Set(userAgent, uaHash)
			}

			var ipBucket string
			if cfg.EnableIPBucketing {
				ipBucket = deriveIPBucket(ip)
			}

			fp := &Fingerprint{
				DeviceKey:  scopedHash("dk:", uaHash+"|"+ipBucket+"|"+platform, pepper),
				UAHash:     uaHash,
				IPBucket:   ipBucket,
				Platform:   platform,
				ClientIP:   ip.String(),
				ObservedAt: time.Now().UTC(),
			}

			ctx := context.WithValue(r.Context(), ctxFingerprintKey, fp)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

// decodePepper accepts base64, hex, or raw pepper material and insists
// on at least 16 bytes of it.
func decodePepper(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("fingerprint: server pepper is required")
	}
	var pepper []byte
	if p, err := base64.StdEncoding.DecodeString(s); err == nil {
		pepper = p
	} else if p, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		pepper = p
	} else if p, err := hex.DecodeString(s); err == nil {
		pepper = p
	} else {
		pepper = []byte(s)
	}
	if len(pepper) < 16 {
		return nil, errors.New("fingerprint: server pepper must be at least 16 bytes")
	}
	return pepper, nil
}

func scopedHash(scope, data string, pepper []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write(pepper)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// sanitizeHeader bounds length and keeps printable ASCII only.
func sanitizeHeader(v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if maxLen > 0 && len(v) > maxLen {
		v = v[:maxLen]
	}
	return strings.Map(func(r rune) rune {
		if r >= 32 && r != 127 {
			return r
		}
		return -1
	}, v)
}

func normalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "ios", "android", "web":
		return p
	}
	return "unknown"
}

// clientIP resolves the caller's IP, honoring proxy headers only when
// the immediate peer is inside a trusted CIDR.
func clientIP(r *http.Request, hdrs []string, trusted []*net.IPNet) net.IP {
	remoteIP := remoteAddrIP(r.RemoteAddr)
	if len(hdrs) == 0 || !ipInCIDRs(remoteIP, trusted) {
		return remoteIP
	}

	for _, h := range hdrs {
		v := strings.TrimSpace(r.Header.Get(h))
		if v == "" {
			continue
		}
		if strings.EqualFold(h, "X-Forwarded-For") {
			// Left-most parseable hop is the original client.
			for _, part := range strings.Split(v, ",") {
				if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
					return ip
				}
			}
			continue
		}
		if ip := net.ParseIP(v); ip != nil {
			return ip
		}
	}
	return remoteIP
}

func remoteAddrIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}

func ipInCIDRs(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("fingerprint: invalid trusted proxy CIDR %q", c)
		}
		out = append(out, n)
	}
	return out, nil
}

// deriveIPBucket maps an IP to its network neighborhood: /24 for IPv4,
// /64 for IPv6. Buckets double as coarse login locations for anomaly
// detection.
func deriveIPBucket(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return "v4:" + strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + "." + strconv.Itoa(int(v4[2])) + ".0/24"
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return ""
	}
	masked := make(net.IP, 16)
	copy(masked[:8], ip16[:8])
	return "v6:" + masked.String() + "/64"
}

type cacheItem struct {
	val    string
	expiry time.Time
}

// uaCache memoizes user-agent hashes; the same agent strings arrive
// over and over.
type uaCache struct {
	mu  sync.RWMutex
	m   map[string]cacheItem
	ttl time.Duration
}

func newUACache(ttl time.Duration) *uaCache {
	return &uaCache{m: make(map[string]cacheItem), ttl: ttl}
}

func (c *uaCache) Get(k string) (string, bool) {
	c.mu.RLock()
	it, ok := c.m[k]
	c.mu.RUnlock()
	if !ok || time.Now().After(it.expiry) {
		return "", false
	}
	return it.val, true
}

func (c *uaCache) Set(k, v string) {
	c.mu.Lock()
	c.m[k] = cacheItem{val: v, expiry: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
