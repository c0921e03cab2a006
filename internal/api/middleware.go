package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"ChainChat/internal/observability/metrics"
)

// instrument 按路由模板记录请求计数与耗时。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

// clientLimiter 为每个客户端维护一个令牌桶，空闲超过 idle 的桶会被淘汰。
type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

func newClientLimiter(rps float64, burst int, idle time.Duration) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](idle),
	)
	go cache.Start()
	return &clientLimiter{limit: rate.Limit(rps), burst: burst, limiters: cache}
}

// Allow 消耗 key 对应桶中的一个令牌。
func (l *clientLimiter) Allow(key string) bool {
	l.mu.Lock()
	item := l.limiters.Get(key)
	var limiter *rate.Limiter
	if item == nil {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Set(key, limiter, ttlcache.DefaultTTL)
	} else {
		limiter = item.Value()
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Stop 停止过期清理协程。
func (l *clientLimiter) Stop() {
	l.limiters.Stop()
}
