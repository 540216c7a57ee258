package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	userIDKey
)

// requestIDFrom returns the id assigned to the request, or "".
func requestIDFrom(ctx context.Context) string {
	var id, _ = ctx.Value(requestIDKey).(string)
	return id
}

// userFrom returns the verified bearer identity of the request, or "".
func userFrom(ctx context.Context) string {
	var id, _ = ctx.Value(userIDKey).(string)
	return id
}

// requestID tags every request with an id, honoring a client-supplied
// X-Request-ID and echoing it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id = r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// authenticate resolves an optional bearer token into the request's
// identity. Requests without a valid token pass through anonymous;
// handlers decide whether that is acceptable.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, err := s.bearerUser(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bearerUser(r *http.Request) (string, error) {
	var parts = strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("missing bearer token")
	}
	return s.signer.Verify(strings.TrimSpace(parts[1]))
}

// statusWriter captures the response status and stamps the handler's
// elapsed time on the response before the first byte goes out.
type statusWriter struct {
	http.ResponseWriter
	start  time.Time
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status != 0 {
		return
	}
	sw.status = code
	if !sw.start.IsZero() {
		sw.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(sw.start).Seconds(), 'f', 4, 64))
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// logRequests writes one line as a request arrives and one as it
// completes, carrying the request id and bearer identity when present.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start = time.Now()
		var fields = log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": requestIDFrom(r.Context()),
		}
		if userID := userFrom(r.Context()); userID != "" {
			fields["user_id"] = userID
		}

		log.WithFields(fields).WithFields(log.Fields{
			"query":      r.URL.RawQuery,
			"client_ip":  clientIP(r),
			"user_agent": r.UserAgent(),
		}).Info("request received")

		var sw = &statusWriter{ResponseWriter: w, start: start}
		next.ServeHTTP(sw, r)

		log.WithFields(fields).WithFields(log.Fields{
			"status":   sw.Status(),
			"duration": time.Since(start).Seconds(),
		}).Info("request completed")
	})
}

// measure records the request counter, latency histogram and in-flight
// gauge under a normalized endpoint label.
func measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var endpoint = normalizePath(r.URL.Path)
		httpRequestsInProgress.WithLabelValues(r.Method, endpoint).Inc()
		defer httpRequestsInProgress.WithLabelValues(r.Method, endpoint).Dec()

		var start = time.Now()
		var sw = &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// routeTimeout returns the deadline of a request path. Transaction and
// auth endpoints get tight budgets; everything else uses the default.
func (s *Server) routeTimeout(path string) time.Duration {
	switch path {
	case s.prefix + "/transactions":
		return 10 * time.Second
	case s.prefix + "/auth/token":
		return 5 * time.Second
	case s.prefix + "/health":
		return 2 * time.Second
	}
	return s.requestTimeout
}

// timeout bounds each request. The inner chain writes to a buffer which
// is only flushed if the handler finishes in time; on expiry the client
// gets a 504 and the handler's eventual output is discarded.
func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d = s.routeTimeout(r.URL.Path)
		var ctx, cancel = context.WithTimeout(r.Context(), d)
		defer cancel()

		var buf = &bufferedResponse{header: make(http.Header)}
		var done = make(chan struct{})
		var panicked = make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
					return
				}
				close(done)
			}()
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()

		select {
		case p := <-panicked:
			panic(p)
		case <-done:
			buf.copyTo(w)
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return // client went away
			}
			log.WithFields(log.Fields{
				"path":       r.URL.Path,
				"timeout":    d,
				"request_id": requestIDFrom(r.Context()),
			}).Warn("request timed out")
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"error":   "Request timeout",
				"message": fmt.Sprintf("Request exceeded %s timeout", d),
				"path":    r.URL.Path,
			})
		}
	})
}

// bufferedResponse holds a response until the timeout race is decided.
// It is only read after the handler goroutine has finished.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) copyTo(w http.ResponseWriter) {
	for k, vv := range b.header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if b.status != 0 {
		w.WriteHeader(b.status)
	}
	_, _ = w.Write(b.body.Bytes())
}

// clientIP resolves the caller's address, trusting forwarding headers
// when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	var host, _, err = net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
