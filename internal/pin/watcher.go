package pin

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/majorcontext/handtoken/internal/log"
)

// DefaultPollInterval is how often the watcher rescans the requests directory.
const DefaultPollInterval = 500 * time.Millisecond

// Pending is a published request handed to a Handler.
type Pending struct {
	Token        string
	Request      Request
	RequestPath  string
	ResponsePath string
}

// Handler services one pending request. It returns once the request has been
// answered or withdrawn.
type Handler interface {
	Handle(ctx context.Context, p *Pending) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p *Pending) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, p *Pending) error { return f(ctx, p) }

// Watcher discovers published requests and hands them to a Handler one at a
// time, oldest first.
type Watcher struct {
	rv       *Rendezvous
	handler  Handler
	interval time.Duration

	// handled holds tokens this watcher has already dispatched. Tokens whose
	// request files are gone are pruned on each scan.
	handled map[string]struct{}
}

// NewWatcher returns a Watcher polling at DefaultPollInterval.
func NewWatcher(rv *Rendezvous, h Handler) *Watcher {
	return &Watcher{
		rv:       rv,
		handler:  h,
		interval: DefaultPollInterval,
		handled:  make(map[string]struct{}),
	}
}

// SetInterval changes the polling interval.
func (w *Watcher) SetInterval(d time.Duration) {
	w.interval = d
}

// Run polls until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn("scanning PIN requests", "dir", w.rv.RequestsDir(), "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type candidate struct {
	token   string
	modTime time.Time
}

// Poll scans the requests directory once and dispatches every request not
// yet handled, in modification-time order. It returns how many were
// dispatched.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.rv.RequestsDir())
	if err != nil {
		return 0, err
	}

	present := make(map[string]struct{}, len(entries))
	var fresh []candidate
	for _, e := range entries {
		name := e.Name()
		if isHidden(name) || e.IsDir() {
			continue
		}
		present[name] = struct{}{}
		if _, ok := w.handled[name]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Withdrawn between ReadDir and Info.
			continue
		}
		fresh = append(fresh, candidate{token: name, modTime: info.ModTime()})
	}
	for token := range w.handled {
		if _, ok := present[token]; !ok {
			delete(w.handled, token)
		}
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].modTime.Equal(fresh[j].modTime) {
			return fresh[i].token < fresh[j].token
		}
		return fresh[i].modTime.Before(fresh[j].modTime)
	})

	dispatched := 0
	for _, c := range fresh {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		w.handled[c.token] = struct{}{}

		req, err := w.rv.ReadRequest(c.token)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			log.Warn("skipping unreadable PIN request", "token", c.token, "error", err)
			continue
		}

		p := &Pending{
			Token:        c.token,
			Request:      *req,
			RequestPath:  w.rv.RequestPath(c.token),
			ResponsePath: w.rv.ResponsePath(c.token),
		}
		dispatched++
		if err := w.handler.Handle(ctx, p); err != nil {
			log.Error("handling PIN request", "token", c.token, "error", err)
		}
	}
	return dispatched, nil
}

// Handled reports whether token has been dispatched by this watcher and its
// request is still present.
func (w *Watcher) Handled(token string) bool {
	_, ok := w.handled[token]
	return ok
}
