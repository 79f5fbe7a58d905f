package signclient

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	var got struct {
		user, pass, profile, desc, filename, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.user, got.pass, _ = r.BasicAuth()
		got.profile = r.URL.Query().Get("signing-profile")
		got.desc = r.URL.Query().Get("description")
		_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Disposition"))
		got.filename = params["filename"]
		b, _ := io.ReadAll(r.Body)
		got.body = string(b)

		w.Header().Set("X-Signing-Log", "42")
		w.Header().Set("X-Content-SHA256", "feed")
		_, _ = io.WriteString(w, "signed bytes")
	}))
	defer srv.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "setup.exe")
	require.NoError(t, os.WriteFile(in, []byte("unsigned"), 0o644))

	c := New(srv.URL+"/", "ci", "htkey,abc")
	res, err := c.Sign(context.Background(), Request{Path: in, Profile: "release", Description: "Nightly"}, SignedPath(in))
	require.NoError(t, err)

	assert.Equal(t, "ci", got.user)
	assert.Equal(t, "htkey,abc", got.pass)
	assert.Equal(t, "release", got.profile)
	assert.Equal(t, "Nightly", got.desc)
	assert.Equal(t, "setup.exe", got.filename)
	assert.Equal(t, "unsigned", got.body)

	assert.Equal(t, filepath.Join(dir, "setup.signed.exe"), res.Path)
	assert.Equal(t, int64(42), res.LogID)
	assert.Equal(t, "feed", res.SHA256)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "signed bytes", string(data))
}

func TestSignAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"Unsupported file extensions: 'txt'"}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o644))
	out := SignedPath(in)

	_, err := New(srv.URL, "ci", "s").Sign(context.Background(), Request{Path: in, Profile: "release"}, out)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "err = %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "Unsupported file extensions: 'txt'", apiErr.Message)
	assert.NoFileExists(t, out)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWhoami(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, _ := r.BasicAuth(); u != "ci" || p != "good" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"Client not found or bad password"}`)
			return
		}
		_, _ = io.WriteString(w, `{"client":"ci"}`)
	}))
	defer srv.Close()

	name, err := New(srv.URL, "ci", "good").Whoami(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ci", name)

	_, err = New(srv.URL, "ci", "bad").Whoami(context.Background())
	assert.EqualError(t, err, "server returned 403: Client not found or bad password")
}

func TestSignedPath(t *testing.T) {
	assert.Equal(t, filepath.Join("build", "app.signed.msi"), SignedPath(filepath.Join("build", "app.msi")))
	assert.Equal(t, "tool.signed", SignedPath("tool"))
}
