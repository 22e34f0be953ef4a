// Package web provides the JSON HTTP surface of onStride: engine state,
// server-sent state updates, onboarding, goals, history and the food log.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

// UserLookup returns the bcrypt hash stored for a username, "" if unknown.
type UserLookup interface {
	GetUser(username string) (string, error)
}

// AuthMiddleware returns an http.Handler that enforces Basic Auth against
// bcrypt hashes. /healthz is publicly accessible.
func AuthMiddleware(users UserLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	verified := &verifiedCache{entries: make(map[[32]byte]string)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			u, p, ok := extractCredentials(r)
			if !ok {
				writeUnauthorized(w)
				return
			}

			hash, err := users.GetUser(u)
			if err != nil {
				logger.Error("Failed to look up user", "error", err)
				respondError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if hash == "" {
				// Unknown users cost the same as a wrong password.
				bcrypt.CompareHashAndPassword(dummyHash, []byte(p))
				writeUnauthorized(w)
				return
			}

			key := sha256.Sum256([]byte(u + "\x00" + p))
			if !verified.matches(key, hash) {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
					writeUnauthorized(w)
					return
				}
				verified.store(key, hash)
			}

			next.ServeHTTP(w, r)
		})
	}
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("onstride-dummy"), bcrypt.DefaultCost)

// verifiedCache remembers credentials that already passed bcrypt against a
// given stored hash, so polling clients do not pay for it on every request.
type verifiedCache struct {
	mu      sync.Mutex
	entries map[[32]byte]string
}

func (c *verifiedCache) matches(key [32]byte, hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key] == hash
}

func (c *verifiedCache) store(key [32]byte, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= 64 {
		clear(c.entries)
	}
	c.entries[key] = hash
}

// extractCredentials extracts username and password from the Authorization header.
// Returns ok=false if the header is missing, malformed, or invalid.
func extractCredentials(r *http.Request) (username, password string, ok bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "", false
	}

	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", "", false
	}

	encoded := authHeader[len(prefix):]
	if encoded == "" {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}

	// Split on first colon
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	return parts[0], parts[1], true
}

func isPublicPath(path string) bool {
	return path == "/healthz"
}

// writeUnauthorized sends a 401 Unauthorized response with the WWW-Authenticate header.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="onStride"`)
	respondError(w, http.StatusUnauthorized, "unauthorized")
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID tags every request with an X-Request-ID, reusing a client-supplied one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the request id stored by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Tracing starts an OpenTelemetry span for each HTTP request and propagates
// the context to downstream handlers.
func Tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/onllm-dev/onstride/internal/web")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()
		if id := RequestIDFrom(ctx); id != "" {
			span.SetAttributes(attribute.String("http.request_id", id))
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// RequestLogger logs one line per request at debug level, warn for 5xx.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			level := slog.LevelDebug
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start),
				"request_id", RequestIDFrom(r.Context()),
			)
		})
	}
}

// statusWriter captures the status code and keeps streaming responses working.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
