// Package testutil holds helpers shared by the delivery and HTTP surface
// tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

// Delivery is one request captured by a Target.
type Delivery struct {
	Path   string
	Header http.Header
	Body   []byte
}

// Target is a loopback HTTP server standing in for a subscriber's webhook
// endpoint. It binds the IPv4 loopback explicitly so its URL takes the
// 127.0.0.1 form outbound delivery resolves, and it captures every request
// it receives for later assertions.
type Target struct {
	URL string

	listener   net.Listener
	server     *http.Server
	transport  *http.Transport
	client     *http.Client
	deliveries chan Delivery
}

// NewTarget starts a capturing target. The handler decides each response;
// nil answers everything with 200.
func NewTarget(t *testing.T, handler http.Handler) *Target {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	transport := &http.Transport{}
	tgt := &Target{
		URL:        "http://" + l.Addr().String(),
		listener:   l,
		transport:  transport,
		client:     &http.Client{Transport: transport},
		deliveries: make(chan Delivery, 64),
	}
	tgt.server = &http.Server{Handler: tgt.capture(handler)}
	go func() {
		if err := tgt.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("target serve error: %v", err)
		}
	}()
	return tgt
}

func (s *Target) capture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		select {
		case s.deliveries <- Delivery{Path: r.URL.Path, Header: r.Header.Clone(), Body: body}:
		default:
		}
		next.ServeHTTP(w, r)
	})
}

// Await blocks until the target has received a request.
func (s *Target) Await(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-s.deliveries:
		return d
	case <-time.After(3 * time.Second):
		t.Fatalf("no delivery arrived")
		return Delivery{}
	}
}

// TryNext pops a captured delivery without waiting.
func (s *Target) TryNext() (Delivery, bool) {
	select {
	case d := <-s.deliveries:
		return d, true
	default:
		return Delivery{}, false
	}
}

// Client returns an HTTP client wired to the target's transport.
func (s *Target) Client() *http.Client {
	return s.client
}

// ClientWithTimeout returns a client sharing the target's transport with a
// per-request deadline, for exercising delivery timeouts.
func (s *Target) ClientWithTimeout(d time.Duration) *http.Client {
	return &http.Client{Transport: s.transport, Timeout: d}
}

// Close shuts down the underlying server and frees resources.
func (s *Target) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}
