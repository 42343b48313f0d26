package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
)

const defaultCallTimeout = 5 * time.Second

// TransportError wraps any failed bridge call.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from a bridge call.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client calls the scheduler process. Connections are made lazily, so a
// scheduler that is down only fails individual calls.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
}

// Dial prepares a client for addr over an insecure local channel.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge client %s: %w", addr, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), timeout: timeout}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// AddCron registers or replaces entries in the scheduler.
func (c *Client) AddCron(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, methodAddCron, encodeAddCron(entries), new(emptypb.Empty)); err != nil {
		return &TransportError{Method: "AddCron", Err: err}
	}
	return nil
}

// DeleteCron removes ids from the scheduler; unknown ids are ignored.
func (c *Client) DeleteCron(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, methodDeleteCron, encodeDeleteCron(ids), new(emptypb.Empty)); err != nil {
		return &TransportError{Method: "DeleteCron", Err: err}
	}
	return nil
}

// HealthCheck returns the scheduler's serving status, e.g. "SERVING".
func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return "", &TransportError{Method: "HealthCheck", Err: err}
	}
	return resp.GetStatus().String(), nil
}
