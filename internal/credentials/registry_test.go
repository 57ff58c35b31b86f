package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/sahilghewari/prosbc-core/internal/cache"
	"github.com/sahilghewari/prosbc-core/internal/core"
)

type fakeStore struct {
	byID  map[string]core.Appliance
	calls int
}

func (f *fakeStore) Get(ctx context.Context, applianceID string) (core.Appliance, bool, error) {
	f.calls++
	a, ok := f.byID[applianceID]
	return a, ok, nil
}

func (f *fakeStore) ListActive(ctx context.Context) ([]core.Appliance, error) {
	out := make([]core.Appliance, 0, len(f.byID))
	for _, a := range f.byID {
		out = append(out, a)
	}
	return out, nil
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewTwoTier(10, nil, "test-credentials", nil)
	if err != nil {
		t.Fatalf("NewTwoTier() error = %v", err)
	}
	return c
}

func TestLookupHitsStoreOnMiss(t *testing.T) {
	store := &fakeStore{byID: map[string]core.Appliance{
		"sbc1": {ID: "sbc1", BaseURL: "https://sbc1.example", Username: "admin", Password: "hunter2"},
	}}
	reg := New(store, newTestCache(t), time.Minute, nil)

	got, err := reg.Lookup(context.Background(), "sbc1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.BaseURL != "https://sbc1.example" {
		t.Errorf("BaseURL = %q, want https://sbc1.example", got.BaseURL)
	}
	if store.calls != 1 {
		t.Errorf("store.calls = %d, want 1", store.calls)
	}
}

func TestLookupCachesSecondCall(t *testing.T) {
	store := &fakeStore{byID: map[string]core.Appliance{
		"sbc1": {ID: "sbc1", BaseURL: "https://sbc1.example", Username: "admin", Password: "hunter2"},
	}}
	reg := New(store, newTestCache(t), time.Minute, nil)
	ctx := context.Background()

	if _, err := reg.Lookup(ctx, "sbc1"); err != nil {
		t.Fatalf("first Lookup() error = %v", err)
	}
	if _, err := reg.Lookup(ctx, "sbc1"); err != nil {
		t.Fatalf("second Lookup() error = %v", err)
	}

	if store.calls != 1 {
		t.Errorf("store.calls = %d, want 1 (second lookup should hit cache)", store.calls)
	}
}

func TestLookupNotFound(t *testing.T) {
	store := &fakeStore{byID: map[string]core.Appliance{}}
	reg := New(store, newTestCache(t), time.Minute, nil)

	_, err := reg.Lookup(context.Background(), "missing")
	if !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("Lookup() error = %v, want KindNotFound", err)
	}
}

func TestListActiveBypassesCache(t *testing.T) {
	store := &fakeStore{byID: map[string]core.Appliance{
		"sbc1": {ID: "sbc1"},
		"sbc2": {ID: "sbc2"},
	}}
	reg := New(store, newTestCache(t), time.Minute, nil)

	got, err := reg.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(ListActive()) = %d, want 2", len(got))
	}
}
