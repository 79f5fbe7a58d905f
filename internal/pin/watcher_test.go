package pin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func publishAt(t *testing.T, rv *Rendezvous, token string, req Request, mtime time.Time) {
	t.Helper()
	if err := rv.publish(token, req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := os.Chtimes(rv.RequestPath(token), mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherDispatchesOldestFirstOnce(t *testing.T) {
	rv := testRendezvous(t)
	base := time.Now().Add(-time.Minute)
	publishAt(t, rv, "bbbb", Request{User: "second"}, base.Add(time.Second))
	publishAt(t, rv, "aaaa", Request{User: "first"}, base)

	var seen []string
	w := NewWatcher(rv, HandlerFunc(func(ctx context.Context, p *Pending) error {
		seen = append(seen, p.Request.User)
		if p.ResponsePath != rv.ResponsePath(p.Token) {
			t.Errorf("ResponsePath = %s", p.ResponsePath)
		}
		return nil
	}))

	n, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched %d, want 2", n)
	}
	if len(seen) != 2 || seen[0] != "first" || seen[1] != "second" {
		t.Errorf("order = %v, want [first second]", seen)
	}

	n, err = w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 0 {
		t.Errorf("second poll dispatched %d, want 0", n)
	}
}

func TestWatcherIgnoresHiddenFiles(t *testing.T) {
	rv := testRendezvous(t)
	b, _ := json.Marshal(Request{User: "partial"})
	if err := os.WriteFile(filepath.Join(rv.RequestsDir(), ".cccc"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(rv, HandlerFunc(func(ctx context.Context, p *Pending) error {
		t.Errorf("unexpected dispatch of %s", p.Token)
		return nil
	}))
	if n, err := w.Poll(context.Background()); err != nil || n != 0 {
		t.Errorf("Poll = %d, %v; want 0, nil", n, err)
	}
}

func TestWatcherPrunesWithdrawnTokens(t *testing.T) {
	rv := testRendezvous(t)
	publishAt(t, rv, "dddd", Request{User: "ci"}, time.Now())

	w := NewWatcher(rv, HandlerFunc(func(ctx context.Context, p *Pending) error { return nil }))
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !w.Handled("dddd") {
		t.Fatal("token should be marked handled")
	}

	os.Remove(rv.RequestPath("dddd"))
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.Handled("dddd") {
		t.Error("withdrawn token should be pruned")
	}
}

func TestWatcherSkipsUnreadableRequest(t *testing.T) {
	rv := testRendezvous(t)
	if err := os.WriteFile(rv.RequestPath("eeee"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	calls := 0
	w := NewWatcher(rv, HandlerFunc(func(ctx context.Context, p *Pending) error {
		calls++
		return nil
	}))
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("handler called %d times for malformed request", calls)
	}
	if !w.Handled("eeee") {
		t.Error("malformed request should not be retried")
	}
}

func TestWatcherRunServesRequester(t *testing.T) {
	rv := testRendezvous(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(rv, HandlerFunc(func(ctx context.Context, p *Pending) error {
		return Reply(p.ResponsePath, Approved("4321"))
	}))
	w.SetInterval(10 * time.Millisecond)
	go w.Run(ctx)

	resp, err := NewRequester(rv, 5*time.Second).Request(ctx, Request{User: "ci"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Code != "4321" {
		t.Errorf("code = %q, want 4321", resp.Code)
	}
	assertNoArtifacts(t, rv)
}
