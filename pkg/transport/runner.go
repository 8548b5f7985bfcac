// Package transport carries initial sync commands over gRPC. Documents
// travel as protobuf Structs with extended keys for timestamps, dates and
// 64-bit integers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/internal/cbreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ api.CommandRunner = (*GRPCRunner)(nil)

// GRPCRunner sends commands to sync sources. Each host gets its own
// connection and circuit breaker.
type GRPCRunner struct {
	requestTimeout time.Duration
	conns          *connections
	breakers       *cbreaker.Set
	logger         *slog.Logger
}

func NewGRPCRunner(cfg api.TransportCfg, log *slog.Logger, opts ...grpc.DialOption) *GRPCRunner {
	return &GRPCRunner{
		requestTimeout: cfg.RequestTimeout,
		conns:          newConnections(opts...),
		breakers: cbreaker.NewSet(cbreaker.Settings{
			FailureThreshold: max(cfg.BreakerFailureThreshold, 1),
			SuccessThreshold: max(cfg.BreakerSuccessThreshold, 1),
			ResetTimeout:     cfg.BreakerResetTimeout,
			IsFailure:        api.IsRetriable,
		}),
		logger: log.With(slog.String("component", "transport")),
	}
}

func (r *GRPCRunner) RunCommand(ctx context.Context, host string, cmd api.Command) (api.Document, error) {
	req, err := encodeRequest(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Name, err)
	}
	conn, err := r.conns.get(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrHostUnreachable, err)
	}

	resp, err := cbreaker.Do(ctx, r.breakers.Get(host), func(ctx context.Context) (*structpb.Struct, error) {
		if r.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
			defer cancel()
		}
		out := new(structpb.Struct)
		if err := conn.Invoke(ctx, runCommandFullRPC, req, out); err != nil {
			return nil, fromStatus(err)
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, cbreaker.ErrOpenState) {
			return nil, fmt.Errorf("%w: %s: %w", api.ErrHostUnreachable, host, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Debug("command failed", "host", host, "command", cmd.Name, "error", err.Error())
		return nil, fmt.Errorf("%s on %s: %w", cmd.Name, host, err)
	}

	doc, err := decodeDocument(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s reply from %s: %w", cmd.Name, host, err)
	}
	return doc, nil
}

// Close releases every connection.
func (r *GRPCRunner) Close() error {
	return r.conns.closeAll()
}

// fromStatus restores the error kinds toStatus encoded.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", api.ErrHostUnreachable, err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", api.ErrHostUnreachable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", api.ErrNetworkTimeout, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", api.ErrBadValue, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	default:
		return fmt.Errorf("%w: %s", api.ErrCommandFailed, st.Message())
	}
}
