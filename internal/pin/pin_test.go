package pin

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testRendezvous uses a short directory because unix socket paths are limited
// to about 100 bytes and t.TempDir paths can exceed that.
func testRendezvous(t *testing.T) *Rendezvous {
	t.Helper()
	dir, err := os.MkdirTemp("", "htk")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	rv := NewRendezvous(dir)
	if err := rv.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return rv
}

// waitForRequest returns the token of the first published request.
func waitForRequest(t *testing.T, rv *Rendezvous) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(rv.RequestsDir())
		for _, e := range entries {
			if !isHidden(e.Name()) {
				return e.Name()
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no request published")
	return ""
}

func assertNoArtifacts(t *testing.T, rv *Rendezvous) {
	t.Helper()
	for _, d := range []string{rv.RequestsDir(), rv.ResponsesDir()} {
		entries, err := os.ReadDir(d)
		if err != nil {
			t.Fatalf("ReadDir(%s): %v", d, err)
		}
		for _, e := range entries {
			t.Errorf("leftover artifact %s", filepath.Join(d, e.Name()))
		}
	}
}

type requestResult struct {
	resp Response
	err  error
}

func startRequest(ctx context.Context, q *Requester, req Request) <-chan requestResult {
	ch := make(chan requestResult, 1)
	go func() {
		resp, err := q.Request(ctx, req)
		ch <- requestResult{resp, err}
	}()
	return ch
}

func TestPrepareRemovesStaleArtifacts(t *testing.T) {
	rv := testRendezvous(t)
	stale := []string{
		rv.RequestPath("0123"),
		filepath.Join(rv.RequestsDir(), ".0123"),
		rv.ResponsePath("0123"),
	}
	for _, p := range stale {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := rv.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assertNoArtifacts(t, rv)
}

func TestRequestApproved(t *testing.T) {
	rv := testRendezvous(t)
	q := NewRequester(rv, 5*time.Second)
	want := Request{User: "ci", Certificate: "ev", Description: "nightly"}

	done := startRequest(context.Background(), q, want)
	token := waitForRequest(t, rv)

	got, err := rv.ReadRequest(token)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if *got != want {
		t.Errorf("request = %+v, want %+v", *got, want)
	}
	if err := Reply(rv.ResponsePath(token), Approved("123456")); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Request: %v", res.err)
	}
	if res.resp.Result != ResultApprove || res.resp.Code != "123456" {
		t.Errorf("response = %+v", res.resp)
	}
	assertNoArtifacts(t, rv)
}

func TestRequestCancelled(t *testing.T) {
	rv := testRendezvous(t)
	done := startRequest(context.Background(), NewRequester(rv, 5*time.Second), Request{User: "ci"})
	token := waitForRequest(t, rv)

	if err := Reply(rv.ResponsePath(token), Cancelled()); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("Request: %v", res.err)
	}
	if res.resp.Result != ResultCancelled {
		t.Errorf("result = %q, want cancelled", res.resp.Result)
	}
	assertNoArtifacts(t, rv)
}

func TestRequestTimeout(t *testing.T) {
	rv := testRendezvous(t)
	_, err := NewRequester(rv, 100*time.Millisecond).Request(context.Background(), Request{User: "ci"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	assertNoArtifacts(t, rv)
}

func TestRequestWithdrawnBeforeSocketRemoved(t *testing.T) {
	rv := testRendezvous(t)
	var removed []string
	removeArtifact = func(path string) {
		if filepath.Dir(path) == rv.ResponsesDir() {
			if token := filepath.Base(path); rv.Exists(token) {
				t.Errorf("socket for %s removed while its request is still published", token)
			}
		}
		removed = append(removed, path)
		removeIfExists(path)
	}
	t.Cleanup(func() { removeArtifact = removeIfExists })

	_, err := NewRequester(rv, 50*time.Millisecond).Request(context.Background(), Request{User: "ci"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed = %v, want request, temp file and socket", removed)
	}
	if got := filepath.Dir(removed[0]); got != rv.RequestsDir() {
		t.Errorf("first removal %s, want the request", removed[0])
	}
	if got := filepath.Dir(removed[2]); got != rv.ResponsesDir() {
		t.Errorf("last removal %s, want the socket", removed[2])
	}
	assertNoArtifacts(t, rv)
}

func TestRequestContextCanceled(t *testing.T) {
	rv := testRendezvous(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := startRequest(ctx, NewRequester(rv, 5*time.Second), Request{User: "ci"})
	waitForRequest(t, rv)
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	assertNoArtifacts(t, rv)
}

func TestRequestMalformedReply(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "hello"},
		{"unknown result", `{"result":"maybe"}`},
		{"approve without code", `{"result":"approve"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rv := testRendezvous(t)
			done := startRequest(context.Background(), NewRequester(rv, 5*time.Second), Request{User: "ci"})
			token := waitForRequest(t, rv)

			conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: rv.ResponsePath(token), Net: "unixgram"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := conn.Write([]byte(tt.payload)); err != nil {
				t.Fatal(err)
			}
			conn.Close()

			res := <-done
			if !errors.Is(res.err, ErrProtocol) {
				t.Fatalf("err = %v, want ErrProtocol", res.err)
			}
			assertNoArtifacts(t, rv)
		})
	}
}

func TestParseResponseEmptyCode(t *testing.T) {
	resp, err := parseResponse([]byte(`{"result":"approve","code":""}`))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.Result != ResultApprove || resp.Code != "" {
		t.Errorf("resp = %+v", resp)
	}
}
