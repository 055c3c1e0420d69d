package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/queue"
	"github.com/scrollward/scrollward/internal/storage"
	"github.com/scrollward/scrollward/internal/testutil"
)

// fakeTransport counts round trips and delegates to a per-test handler.
type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	handler func(*http.Request) (*http.Response, error)
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newGateway(t *testing.T, transport http.RoundTripper) (*gateway.Gateway, *storage.Store, *queue.Queue) {
	t.Helper()
	store := testutil.OpenStore(t)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, &testutil.DummyLogger{})
	gw := gateway.New(gateway.Config{BaseURL: "http://backend.test/api"}, store, q, &testutil.DummyLogger{}, &http.Client{Transport: transport})
	return gw, store, q
}

func TestCallWithoutTokenFailsBeforeNetwork(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{}`), nil
	}}
	gw, _, _ := newGateway(t, transport)

	res := gw.Call(context.Background(), http.MethodPost, "/detection/log", nil)
	if !errors.Is(res.Err, gateway.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", res.Err)
	}
	if transport.callCount() != 0 {
		t.Fatalf("network attempts = %d, want 0", transport.callCount())
	}
}

func TestAuthEndpointsBypassTokenPrecondition(t *testing.T) {
	transport := &fakeTransport{handler: func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("Authorization") != "" {
			t.Fatal("unexpected Authorization header without a stored token")
		}
		return jsonResponse(http.StatusOK, `{"token":"tok-1"}`), nil
	}}
	gw, _, _ := newGateway(t, transport)

	res := gw.Call(context.Background(), http.MethodPost, "/auth/login", []byte(`{}`))
	if !res.Success {
		t.Fatalf("auth call failed: %v", res.Err)
	}
}

func TestKnownOfflineQueuesWritesWithoutNetwork(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("must not be reached")
	}}
	gw, store, q := newGateway(t, transport)
	ctx := context.Background()

	if err := store.SetToken(ctx, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	gw.SetOnline(false)

	res := gw.Call(ctx, http.MethodPost, "/detection/log", []byte(`{"url":"x"}`))
	if !res.Success || !res.Queued {
		t.Fatalf("result = %+v, want success and queued", res)
	}
	if transport.callCount() != 0 {
		t.Fatalf("network attempts while offline = %d, want 0", transport.callCount())
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}

func TestOfflineReadsAreNeverQueued(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	}}
	gw, store, q := newGateway(t, transport)
	ctx := context.Background()

	if err := store.SetToken(ctx, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	gw.SetOnline(false)

	res := gw.Call(ctx, http.MethodGet, "/settings", nil)
	if res.Success || res.Queued {
		t.Fatalf("result = %+v, want plain failure", res)
	}
	if !errors.Is(res.Err, gateway.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", res.Err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue length after failed read = %d, want 0", n)
	}
}

func TestTransportFailureQueuesWrites(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	}}
	gw, store, q := newGateway(t, transport)
	ctx := context.Background()

	if err := store.SetToken(ctx, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	res := gw.Call(ctx, http.MethodPost, "/detection/doomscroll", []byte(`{}`))
	if !res.Queued {
		t.Fatalf("result = %+v, want queued", res)
	}
	if !errors.Is(res.Err, gateway.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", res.Err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}

func TestUnauthorizedClearsStoredToken(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"error":"token expired"}`), nil
	}}
	gw, store, _ := newGateway(t, transport)
	ctx := context.Background()

	if err := store.SetToken(ctx, "stale"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	res := gw.Call(ctx, http.MethodGet, "/settings", nil)
	if !errors.Is(res.Err, gateway.ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", res.Err)
	}
	if gw.IsAuthenticated(ctx) {
		t.Fatal("token survived a 401")
	}
}

func TestLoginPersistsTokenAndFlushes(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"token":"fresh-token"}`), nil
	}}
	gw, store, _ := newGateway(t, transport)
	ctx := context.Background()

	flushed := make(chan struct{}, 1)
	gw.OnFlush(func() { flushed <- struct{}{} })

	res := gw.Login(ctx, gateway.LoginRequest{Username: "ada", TOTPCode: "123456"})
	if !res.Success {
		t.Fatalf("login failed: %v", res.Err)
	}
	token, err := store.Token(ctx)
	if err != nil || token != "fresh-token" {
		t.Fatalf("stored token = %q, %v", token, err)
	}
	select {
	case <-flushed:
	default:
		t.Fatal("successful login did not trigger a flush")
	}
}

func TestLoginWithoutTokenInResponseFails(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"message":"ok"}`), nil
	}}
	gw, _, _ := newGateway(t, transport)

	res := gw.Login(context.Background(), gateway.LoginRequest{Username: "ada"})
	if res.Success {
		t.Fatal("login succeeded without a token in the response")
	}
}

func TestLogoutAlwaysClearsToken(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("backend down")
	}}
	gw, store, _ := newGateway(t, transport)
	ctx := context.Background()

	if err := store.SetToken(ctx, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	gw.Logout(ctx)
	if gw.IsAuthenticated(ctx) {
		t.Fatal("token survived logout")
	}
}

func TestOfflineToOnlineTransitionFlushes(t *testing.T) {
	transport := &fakeTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{}`), nil
	}}
	gw, _, _ := newGateway(t, transport)

	flushed := 0
	gw.OnFlush(func() { flushed++ })

	gw.SetOnline(false)
	gw.SetOnline(false)
	gw.SetOnline(true)
	gw.SetOnline(true)

	if flushed != 1 {
		t.Fatalf("flushes = %d, want exactly 1 on the offline to online edge", flushed)
	}
}

func TestDrainQueueReplaysThroughGateway(t *testing.T) {
	var seen []string
	transport := &fakeTransport{handler: func(r *http.Request) (*http.Response, error) {
		seen = append(seen, r.URL.Path)
		return jsonResponse(http.StatusOK, `{}`), nil
	}}
	gw, store, q := newGateway(t, transport)
	ctx := context.Background()

	if err := store.SetToken(ctx, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	gw.SetOnline(false)

	gw.Call(ctx, http.MethodPost, "/detection/log", []byte(`{}`))
	gw.Call(ctx, http.MethodPost, "/detection/doomscroll", []byte(`{}`))

	gw.SetOnline(true)
	stats, err := gw.DrainQueue(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Succeeded != 2 {
		t.Fatalf("stats = %+v, want 2 succeeded", stats)
	}
	if len(seen) != 2 || seen[0] != "/api/detection/log" {
		t.Fatalf("replayed paths = %v, want FIFO order starting with /api/detection/log", seen)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue length after drain = %d, want 0", n)
	}
}
