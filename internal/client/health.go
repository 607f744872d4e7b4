package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"lexdesk.app/internal/auth"
)

// ErrNotServing means the server is up but its readiness probe fails.
var ErrNotServing = errors.New("client: server not serving")

// Health wraps the gRPC health service of a lexdesk server.
type Health struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// DialHealth connects to target. Without options the transport is insecure.
func DialHealth(target string, opts ...grpc.DialOption) (*Health, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Health{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func (h *Health) Close() error {
	if h == nil || h.conn == nil {
		return nil
	}
	return h.conn.Close()
}

// Check returns nil when the server reports SERVING.
func (h *Health) Check(ctx context.Context) error {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: "lexdesk"})
	if err != nil {
		return mapHealthError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// WaitReady polls Check with exponential backoff until it passes, attempts
// run out or ctx is done.
func (h *Health) WaitReady(ctx context.Context, attempts uint64, base time.Duration) error {
	backoff := retry.WithMaxRetries(attempts, retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := h.Check(ctx); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

func mapHealthError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", auth.ErrNotFound, err)
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", ErrNotServing, err)
	}
	return err
}
