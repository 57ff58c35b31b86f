package configselector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/httpx"
)

type fakeCredentials struct{ appliance core.Appliance }

func (f *fakeCredentials) Lookup(ctx context.Context, applianceID string) (core.Appliance, error) {
	return f.appliance, nil
}
func (f *fakeCredentials) ListActive(ctx context.Context) ([]core.Appliance, error) {
	return []core.Appliance{f.appliance}, nil
}

type fakeSessions struct{}

func (f *fakeSessions) Acquire(ctx context.Context, applianceID string) (core.Session, error) {
	return core.Session{ApplianceID: applianceID, CookieValue: "session=abc", State: core.SessionValid}, nil
}
func (f *fakeSessions) Evict(applianceID string) {}

func clientFor(core.Appliance) *http.Client {
	return httpx.New(httpx.Options{})
}

func TestEnsureSelectedDirectValidation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/file_dbs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<select><option value="3">config_052421-1</option></select>`))
	})
	mux.HandleFunc("/configurations/3/choose_redirect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/file_dbs/3/edit")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/file_dbs/3/edit", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<fieldset><legend>Routesets Definition:</legend></fieldset>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &fakeCredentials{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL}}
	sel := New(creds, &fakeSessions{}, clientFor, Options{})

	cfg, err := sel.EnsureSelected(context.Background(), "sbc1", "")
	if err != nil {
		t.Fatalf("EnsureSelected() error = %v", err)
	}
	if cfg.ID != "3" || cfg.DBID != "3" {
		t.Errorf("cfg = %+v, want id=3 dbId=3", cfg)
	}
}

func TestEnsureSelectedProbesOnDivergence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/file_dbs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<select><option value="5">config_1-BU</option></select>`))
	})
	mux.HandleFunc("/configurations/5/choose_redirect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/file_dbs/3/edit")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/file_dbs/5/edit", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`configurations_list choose_redirect`))
	})
	mux.HandleFunc("/file_dbs/3/edit", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<fieldset><legend>Routesets Digitmap:</legend></fieldset>`))
	})
	for i := 1; i <= 10; i++ {
		if i == 3 || i == 5 {
			continue
		}
		mux.HandleFunc("/file_dbs/"+itoa(i)+"/edit", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &fakeCredentials{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL}}
	sel := New(creds, &fakeSessions{}, clientFor, Options{})

	cfg, err := sel.EnsureSelected(context.Background(), "sbc1", "config_1-BU")
	if err != nil {
		t.Fatalf("EnsureSelected() error = %v", err)
	}
	if cfg.ID != "5" || cfg.DBID != "3" {
		t.Errorf("cfg = %+v, want id=5 dbId=3", cfg)
	}
}

func TestEnsureSelectedCaches(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/file_dbs", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`<select><option value="3">cfg</option></select>`))
	})
	mux.HandleFunc("/configurations/3/choose_redirect", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/file_dbs/3/edit", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<fieldset><legend>Routesets Definition:</legend></fieldset>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &fakeCredentials{appliance: core.Appliance{ID: "sbc1", BaseURL: srv.URL}}
	sel := New(creds, &fakeSessions{}, clientFor, Options{})
	ctx := context.Background()

	if _, err := sel.EnsureSelected(ctx, "sbc1", ""); err != nil {
		t.Fatalf("first EnsureSelected() error = %v", err)
	}
	if _, err := sel.EnsureSelected(ctx, "sbc1", ""); err != nil {
		t.Fatalf("second EnsureSelected() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls to /file_dbs = %d, want 1 (second call should hit cache)", calls)
	}
}

func TestEnsureSelectedLegacyMapping(t *testing.T) {
	sel := New(&fakeCredentials{}, &fakeSessions{}, clientFor, Options{})

	cfg, err := sel.EnsureSelected(context.Background(), "prosbc1", "5")
	if err != nil {
		t.Fatalf("EnsureSelected() error = %v", err)
	}
	if cfg.ID != "5" || cfg.DBID != "3" {
		t.Errorf("cfg = %+v, want id=5 dbId=3 per the legacy mapping", cfg)
	}
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return "10"
}
