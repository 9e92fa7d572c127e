// cmd/api/main.go
package main

import (
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

func main() {
	_ = godotenv.Load()

	catalogServiceURL, _ := url.Parse(getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"))
	circulationServiceURL, _ := url.Parse(getEnv("CIRCULATION_SERVICE_URL", "http://localhost:8082"))
	patronsServiceURL, _ := url.Parse(getEnv("PATRONS_SERVICE_URL", "http://localhost:8083"))

	catalogProxy := httputil.NewSingleHostReverseProxy(catalogServiceURL)
	circulationProxy := httputil.NewSingleHostReverseProxy(circulationServiceURL)
	patronsProxy := httputil.NewSingleHostReverseProxy(patronsServiceURL)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/catalog/", http.StripPrefix("/api/v1/catalog", catalogProxy))
	mux.Handle("/api/v1/circulation/", http.StripPrefix("/api/v1/circulation", circulationProxy))
	mux.Handle("/api/v1/patrons/", http.StripPrefix("/api/v1/patrons", patronsProxy))

	limiter := newIPRateLimiter(rate.Limit(20), 40)

	port := getEnv("PORT", "8080")
	log.Printf("API gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, limiter.middleware(mux)))
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.get(ip).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
