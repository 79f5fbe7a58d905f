package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/handtoken/internal/credential"
	"github.com/majorcontext/handtoken/internal/metrics"
	"github.com/majorcontext/handtoken/internal/signing"
)

type fakeAuth map[string]string

func (f fakeAuth) Authenticate(_ context.Context, name, secret string) (*credential.Client, error) {
	if want, ok := f[name]; ok && want == secret {
		return &credential.Client{ID: 7, Name: name}, nil
	}
	return nil, credential.ErrUnauthorized
}

type fakeSigner struct {
	mu    sync.Mutex
	subs  []signing.Submission
	body  []string
	out   *signing.Outcome
	err   error
	calls int
}

func (f *fakeSigner) Sign(_ context.Context, sub signing.Submission) (*signing.Outcome, error) {
	data, _ := io.ReadAll(sub.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	sub.Body = nil
	f.subs = append(f.subs, sub)
	f.body = append(f.body, string(data))
	return f.out, f.err
}

func signedFile(t *testing.T, content string) *signing.Outcome {
	t.Helper()
	p := filepath.Join(t.TempDir(), "12-setup.exe")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return &signing.Outcome{
		LogID:    12,
		FileName: "12-setup.exe",
		Path:     p,
		Size:     int64(len(content)),
		SHA256:   "abc123",
	}
}

func newServer(signer Signer, opts Options) *httptest.Server {
	s := New(signer, fakeAuth{"ci": "htkey,good"}, opts)
	return httptest.NewServer(s.Handler())
}

func signRequest(t *testing.T, base, query, user, pass string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/sign?"+query, strings.NewReader("MZ unsigned"))
	require.NoError(t, err)
	req.Header.Set("Content-Disposition", `attachment; filename="setup.exe"`)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	return req
}

func decodeMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Message
}

func TestHealth(t *testing.T) {
	srv := newServer(&fakeSigner{}, Options{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSignSuccess(t *testing.T) {
	signer := &fakeSigner{out: signedFile(t, "MZ signed")}
	srv := newServer(signer, Options{})
	defer srv.Close()

	req := signRequest(t, srv.URL, "signing-profile=release&description=Nightly&url=https://example.com", "ci", "htkey,good")
	req.Header.Set("User-Agent", "handtoken-test")
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "MZ signed", string(body))
	assert.Equal(t, `attachment; filename=12-setup.exe`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "12", resp.Header.Get("X-Signing-Log"))
	assert.Equal(t, "abc123", resp.Header.Get("X-Content-SHA256"))
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))

	require.Len(t, signer.subs, 1)
	sub := signer.subs[0]
	assert.Equal(t, int64(7), sub.ClientID)
	assert.Equal(t, "ci", sub.ClientName)
	assert.Equal(t, "127.0.0.1", sub.IP)
	assert.Equal(t, "handtoken-test", sub.UserAgent)
	assert.Equal(t, "release", sub.Profile)
	assert.Equal(t, "Nightly", sub.Description)
	assert.Equal(t, "https://example.com", sub.URL)
	assert.Equal(t, "setup.exe", sub.FileName)
	assert.Equal(t, "MZ unsigned", signer.body[0])
}

func TestSignFilenameFromQuery(t *testing.T) {
	signer := &fakeSigner{out: signedFile(t, "x")}
	srv := newServer(signer, Options{})
	defer srv.Close()

	req := signRequest(t, srv.URL, "signing-profile=release&filename=tool.msi", "ci", "htkey,good")
	req.Header.Del("Content-Disposition")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tool.msi", signer.subs[0].FileName)
}

func TestSignMissingFilename(t *testing.T) {
	signer := &fakeSigner{}
	srv := newServer(signer, Options{})
	defer srv.Close()

	req := signRequest(t, srv.URL, "signing-profile=release", "ci", "htkey,good")
	req.Header.Del("Content-Disposition")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeMessage(t, resp), "Missing filename")
	assert.Zero(t, signer.calls)
}

func TestSignErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{
			name:    "signing failure",
			err:     &signing.Error{Result: signing.ResultAVPositive, Message: "Win.Test.EICAR FOUND"},
			status:  http.StatusBadRequest,
			message: "Win.Test.EICAR FOUND",
		},
		{
			name:    "unknown profile",
			err:     errors.Join(signing.ErrProfileNotFound, errors.New("release")),
			status:  http.StatusNotFound,
			message: "Not found.",
		},
		{
			name:    "internal",
			err:     errors.New("database is locked"),
			status:  http.StatusInternalServerError,
			message: "Internal server error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&fakeSigner{err: tt.err}, Options{})
			defer srv.Close()

			resp, err := http.DefaultClient.Do(signRequest(t, srv.URL, "signing-profile=release", "ci", "htkey,good"))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, decodeMessage(t, resp))
		})
	}
}

func TestSignRequiresAuth(t *testing.T) {
	signer := &fakeSigner{}
	srv := newServer(signer, Options{})
	defer srv.Close()

	resp, err := http.DefaultClient.Do(signRequest(t, srv.URL, "signing-profile=release", "", ""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	before := testutil.ToFloat64(metrics.AuthFailures.WithLabelValues("credentials"))
	resp, err = http.DefaultClient.Do(signRequest(t, srv.URL, "signing-profile=release", "ci", "htkey,wrong"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Client not found or bad password", decodeMessage(t, resp))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuthFailures.WithLabelValues("credentials")))
	assert.Zero(t, signer.calls)
}

func TestAuthFailuresRateLimited(t *testing.T) {
	signer := &fakeSigner{out: signedFile(t, "x")}
	srv := newServer(signer, Options{FailuresPerMinute: 1, FailureBurst: 2})
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.DefaultClient.Do(signRequest(t, srv.URL, "signing-profile=release", "ci", "nope"))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	// Even a correct secret is refused while the address is backing off.
	resp, err := http.DefaultClient.Do(signRequest(t, srv.URL, "signing-profile=release", "ci", "htkey,good"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Zero(t, signer.calls)
}

func TestClientIPHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		set     map[string]string
		want    string
	}{
		{"default remote addr", nil, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1"},
		{"cgi style name", []string{"HTTP_X_FORWARDED_FOR", "REMOTE_ADDR"}, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"header name", []string{"X-Real-IP"}, map[string]string{"X-Real-IP": "198.51.100.4"}, "198.51.100.4"},
		{"invalid falls through", []string{"X-Real-IP", "REMOTE_ADDR"}, map[string]string{"X-Real-IP": "garbage"}, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeSigner{}, fakeAuth{}, Options{IPHeaders: tt.headers})
			r := httptest.NewRequest(http.MethodPost, "/sign", nil)
			r.RemoteAddr = "192.0.2.1:5555"
			for k, v := range tt.set {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, s.clientIP(r))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	srv := newServer(&fakeSigner{}, Options{Metrics: metricsHandler})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "# metrics\n", string(body))

	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/healthz", "200"))
	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/healthz", "200")))
}

func TestWhoami(t *testing.T) {
	srv := newServer(&fakeSigner{}, Options{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/whoami", nil)
	require.NoError(t, err)
	req.SetBasicAuth("ci", "htkey,good")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ci", body["client"])
}
