package pin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/majorcontext/handtoken/internal/id"
	"github.com/majorcontext/handtoken/internal/log"
)

var (
	// ErrTimeout means no reply arrived before the deadline. It is distinct
	// from an operator cancelling.
	ErrTimeout = errors.New("no PIN response received in time")
	// ErrProtocol means the reply could not be understood.
	ErrProtocol = errors.New("malformed PIN response")
)

// DefaultTimeout bounds how long a requester waits for the operator.
const DefaultTimeout = 60 * time.Second

// Requester asks the operator for a PIN through a Rendezvous.
type Requester struct {
	rv      *Rendezvous
	timeout time.Duration
}

// NewRequester returns a Requester that waits up to timeout for each reply.
// A zero timeout means DefaultTimeout.
func NewRequester(rv *Rendezvous, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Requester{rv: rv, timeout: timeout}
}

// Request publishes req and waits for exactly one reply.
//
// The response socket is bound before the request becomes visible, so a fast
// operator can never reply into a socket that does not exist yet. The request
// file and the socket are removed on every return path.
func (q *Requester) Request(ctx context.Context, req Request) (Response, error) {
	token, err := id.Token()
	if err != nil {
		return Response{}, err
	}
	sockPath := q.rv.ResponsePath(token)

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		return Response{}, fmt.Errorf("binding response socket: %w", err)
	}
	defer q.withdraw(token, conn)
	// The approval client may run as a different user in the same group.
	if err := os.Chmod(sockPath, 0o660); err != nil {
		return Response{}, fmt.Errorf("setting response socket mode: %w", err)
	}

	if err := q.rv.publish(token, req); err != nil {
		return Response{}, err
	}
	log.Debug("published PIN request", "token", token, "user", req.User, "certificate", req.Certificate)

	if err := conn.SetReadDeadline(time.Now().Add(q.timeout)); err != nil {
		return Response{}, fmt.Errorf("setting read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, MaxResponseSize+1)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("reading PIN response: %w", err)
	}
	if n > MaxResponseSize {
		return Response{}, fmt.Errorf("%w: reply exceeds %d bytes", ErrProtocol, MaxResponseSize)
	}
	return parseResponse(buf[:n])
}

// removeArtifact is replaced in tests to observe cleanup order.
var removeArtifact = removeIfExists

// withdraw removes the request before the socket. An approval client that
// fails to reach the socket then always finds the request gone.
func (q *Requester) withdraw(token string, conn *net.UnixConn) {
	removeArtifact(q.rv.RequestPath(token))
	removeArtifact(q.rv.tempPath(token))
	conn.Close()
	removeArtifact(q.rv.ResponsePath(token))
}

// Reply sends resp as a single datagram to the socket at path.
func Reply(path string, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if len(b) > MaxResponseSize {
		return fmt.Errorf("response exceeds %d bytes", MaxResponseSize)
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", path, err)
	}
	defer conn.Close()
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("sending response: %w", err)
	}
	return nil
}
