package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sahilghewari/prosbc-core/internal/core"
)

type fakeRegistry struct {
	appliance core.Appliance
}

func (f *fakeRegistry) Lookup(ctx context.Context, applianceID string) (core.Appliance, error) {
	return f.appliance, nil
}

func (f *fakeRegistry) ListActive(ctx context.Context) ([]core.Appliance, error) {
	return []core.Appliance{f.appliance}, nil
}

func newLoginServer(t *testing.T, loginCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`<input type="hidden" name="authenticity_token" value="tok123">`))
			return
		}
		atomic.AddInt32(loginCalls, 1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123"})
		w.Header().Set("Location", "/dashboard")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil || cookie.Value != "abc123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestAcquireLogsInOnce(t *testing.T) {
	var loginCalls int32
	srv := newLoginServer(t, &loginCalls)
	defer srv.Close()

	reg := &fakeRegistry{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL, Username: "admin", Password: "secret"}}
	pool := New(reg, nil, Options{})

	sess, err := pool.Acquire(context.Background(), "sbc1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !strings.Contains(sess.CookieValue, "abc123") {
		t.Errorf("CookieValue = %q, want to contain abc123", sess.CookieValue)
	}
	if loginCalls != 1 {
		t.Errorf("loginCalls = %d, want 1", loginCalls)
	}

	// Second acquire within TTL and probe window should not re-login.
	if _, err := pool.Acquire(context.Background(), "sbc1"); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if loginCalls != 1 {
		t.Errorf("loginCalls after second acquire = %d, want 1", loginCalls)
	}
}

func TestAcquireConcurrentSingleFlight(t *testing.T) {
	var loginCalls int32
	srv := newLoginServer(t, &loginCalls)
	defer srv.Close()

	reg := &fakeRegistry{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL, Username: "admin", Password: "secret"}}
	pool := New(reg, nil, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Acquire(context.Background(), "sbc1"); err != nil {
				t.Errorf("Acquire() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if loginCalls != 1 {
		t.Errorf("loginCalls = %d, want 1 (single-flight)", loginCalls)
	}
}

func TestAcquireAuthFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`<input type="hidden" name="authenticity_token" value="tok123">`))
			return
		}
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := &fakeRegistry{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL, Username: "admin", Password: "wrong"}}
	pool := New(reg, nil, Options{})

	_, err := pool.Acquire(context.Background(), "sbc1")
	if !core.IsKind(err, core.KindAuthFailed) {
		t.Fatalf("Acquire() error = %v, want KindAuthFailed", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`<input type="hidden" name="authenticity_token" value="tok123">`))
			return
		}
		<-block
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		w.Header().Set("Location", "/dashboard")
		w.WriteHeader(http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(block)

	reg := &fakeRegistry{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL, Username: "admin", Password: "secret"}}
	pool := New(reg, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pool.Acquire(ctx, "sbc1")
	if !core.IsKind(err, core.KindTimeout) {
		t.Fatalf("Acquire() error = %v, want KindTimeout", err)
	}
}

func TestEvictForcesRelogin(t *testing.T) {
	var loginCalls int32
	srv := newLoginServer(t, &loginCalls)
	defer srv.Close()

	reg := &fakeRegistry{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL, Username: "admin", Password: "secret"}}
	pool := New(reg, nil, Options{})

	ctx := context.Background()
	if _, err := pool.Acquire(ctx, "sbc1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	pool.Evict("sbc1")
	if _, err := pool.Acquire(ctx, "sbc1"); err != nil {
		t.Fatalf("Acquire() after evict error = %v", err)
	}
	if loginCalls != 2 {
		t.Errorf("loginCalls = %d, want 2 (evict should force a new login)", loginCalls)
	}
}
