// Package signclient talks to a handtoken signing server.
package signclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client signs files on one server with one client credential.
type Client struct {
	BaseURL string
	Name    string
	Secret  string
	HTTP    *http.Client
}

// New returns a Client. Signing waits on antivirus scans and operator
// approval, so the HTTP client has a generous timeout.
func New(baseURL, name, secret string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Name:    name,
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 15 * time.Minute},
	}
}

// Request describes a file to sign.
type Request struct {
	Path        string
	Profile     string
	Description string
	URL         string
}

// Result describes a signed file written to disk.
type Result struct {
	Path   string
	LogID  int64
	SHA256 string
	Size   int64
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.Name, c.Secret)
	req.Header.Set("User-Agent", "handtoken-cli")
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Message
	}
	return nil, apiErr
}

// Whoami returns the client name the server authenticated.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/whoami", nil, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var body struct {
		Client string `json:"client"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return body.Client, nil
}

// Sign uploads r.Path and writes the signed file to out. An existing file
// at out is replaced only once the whole response has been received.
func (c *Client) Sign(ctx context.Context, r Request, out string) (*Result, error) {
	in, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return nil, err
	}

	q := url.Values{"signing-profile": {r.Profile}}
	if r.Description != "" {
		q.Set("description", r.Description)
	}
	if r.URL != "" {
		q.Set("url", r.URL)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/sign", q, in)
	if err != nil {
		return nil, err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": filepath.Base(r.Path)}))

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("downloading signed file: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, errors.New("downloading signed file: response truncated")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return nil, err
	}

	res := &Result{Path: out, Size: n, SHA256: resp.Header.Get("X-Content-SHA256")}
	res.LogID, _ = strconv.ParseInt(resp.Header.Get("X-Signing-Log"), 10, 64)
	return res, nil
}

// SignedPath returns <dir>/<name>.signed.<ext> for in.
func SignedPath(in string) string {
	dir, base := filepath.Split(in)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+".signed"+ext)
}
