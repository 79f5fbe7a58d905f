// Package pin implements the out-of-band PIN approval channel.
//
// The server publishes a request as a file under <dir>/requests and waits on
// a unix datagram socket at <dir>/responses with the same name. An approval
// client watching the requests directory prompts an operator and sends one
// datagram back. Removing the request file is the only way to withdraw it.
package pin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/majorcontext/handtoken/internal/log"
)

// MaxResponseSize is the largest reply datagram accepted.
const MaxResponseSize = 1024

// Request is the published payload shown to the operator.
type Request struct {
	User        string `json:"user"`
	Certificate string `json:"certificate"`
	Description string `json:"description"`
}

// Result is the operator's decision.
type Result string

const (
	ResultApprove   Result = "approve"
	ResultCancelled Result = "cancelled"
)

// Response is the single reply datagram.
type Response struct {
	Result Result `json:"result"`
	Code   string `json:"code,omitempty"`
}

// Approved returns an approving response carrying code.
func Approved(code string) Response {
	return Response{Result: ResultApprove, Code: code}
}

// Cancelled returns a cancelling response.
func Cancelled() Response {
	return Response{Result: ResultCancelled}
}

// parseResponse decodes a reply datagram. Anything other than a well-formed
// approve (with a code) or cancelled reply is ErrProtocol.
func parseResponse(b []byte) (Response, error) {
	var raw struct {
		Result Result  `json:"result"`
		Code   *string `json:"code"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch raw.Result {
	case ResultApprove:
		if raw.Code == nil {
			return Response{}, fmt.Errorf("%w: approve without code", ErrProtocol)
		}
		return Approved(*raw.Code), nil
	case ResultCancelled:
		return Cancelled(), nil
	default:
		return Response{}, fmt.Errorf("%w: unknown result %q", ErrProtocol, raw.Result)
	}
}

// Rendezvous is the shared directory both sides of the channel agree on.
type Rendezvous struct {
	dir string
}

// NewRendezvous returns the rendezvous rooted at dir.
func NewRendezvous(dir string) *Rendezvous {
	return &Rendezvous{dir: dir}
}

// Dir returns the root directory.
func (r *Rendezvous) Dir() string { return r.dir }

// RequestsDir is where requests are published.
func (r *Rendezvous) RequestsDir() string { return filepath.Join(r.dir, "requests") }

// ResponsesDir holds the response sockets.
func (r *Rendezvous) ResponsesDir() string { return filepath.Join(r.dir, "responses") }

// RequestPath is the published request file for token.
func (r *Rendezvous) RequestPath(token string) string {
	return filepath.Join(r.RequestsDir(), token)
}

// ResponsePath is the response socket for token.
func (r *Rendezvous) ResponsePath(token string) string {
	return filepath.Join(r.ResponsesDir(), token)
}

func (r *Rendezvous) tempPath(token string) string {
	return filepath.Join(r.RequestsDir(), "."+token)
}

// Prepare creates the directory layout and removes artifacts left behind by
// an earlier server process. It must run before any requester is active.
func (r *Rendezvous) Prepare() error {
	for _, d := range []string{r.dir, r.RequestsDir(), r.ResponsesDir()} {
		if err := os.MkdirAll(d, 0o775); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	for _, d := range []string{r.RequestsDir(), r.ResponsesDir()} {
		entries, err := os.ReadDir(d)
		if err != nil {
			return fmt.Errorf("reading %s: %w", d, err)
		}
		for _, e := range entries {
			p := filepath.Join(d, e.Name())
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("removing stale rendezvous artifact", "path", p, "error", err)
			}
		}
	}
	return nil
}

// publish writes req under a hidden name and renames it into place. The
// rename is the commit point, so watchers never see a partial request.
func (r *Rendezvous) publish(token string, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	tmp := r.tempPath(token)
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	if err := os.Rename(tmp, r.RequestPath(token)); err != nil {
		removeIfExists(tmp)
		return fmt.Errorf("publishing request: %w", err)
	}
	return nil
}

// ReadRequest loads the published request for token.
func (r *Rendezvous) ReadRequest(token string) (*Request, error) {
	b, err := os.ReadFile(r.RequestPath(token))
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("decoding request %s: %w", token, err)
	}
	return &req, nil
}

// Exists reports whether the request for token is still published.
func (r *Rendezvous) Exists(token string) bool {
	_, err := os.Stat(r.RequestPath(token))
	return err == nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// removeIfExists removes path, treating "already gone" as success.
func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("removing rendezvous artifact", "path", path, "error", err)
	}
}
