package ingest

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "morilens/pkg/logx"
)

type ctxKey struct{}

type requestMeta struct {
	ID       string
	ClientIP string
	Log      logx.Logger
}

func metaFrom(ctx context.Context) requestMeta {
	m, _ := ctx.Value(ctxKey{}).(requestMeta)
	return m
}

// requestMeta tags each request with an id and the client address.
func (s *Server) requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ip := clientIP(r)
		m := requestMeta{
			ID:       id,
			ClientIP: ip,
			Log:      s.log.With(logx.String("req", id), logx.String("ip", ip)),
		}
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, m)))
		m.Log.Debug("http request", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Duration("dur", time.Since(start)))
	})
}

// clientIP prefers proxy headers: CF-Connecting-IP, the first X-Forwarded-For
// entry, X-Real-IP, then the connection's remote address.
func clientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "0.0.0.0"
}

func (s *Server) requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
