package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ValidateTokenMethod is the identity provider's token check. It takes the raw
// token and answers with the user id, both as google.protobuf.StringValue.
const ValidateTokenMethod = "/identity.v1.IdentityService/ValidateToken"

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrIdentityUnavailable = errors.New("identity service unavailable")
)

// IdentityClient validates bearer tokens against the identity provider.
type IdentityClient struct {
	conn    grpc.ClientConnInterface
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewIdentityClient wraps conn. A zero timeout leaves the caller's deadline in place.
func NewIdentityClient(conn grpc.ClientConnInterface, timeout time.Duration, log *zap.SugaredLogger) *IdentityClient {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	settings := gobreaker.Settings{
		Name:        "identity-service",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected token is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidToken)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &IdentityClient{
		conn:    conn,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
		log:     log,
	}
}

// ValidateToken verifies token and returns the authenticated user id.
func (c *IdentityClient) ValidateToken(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		out := &wrapperspb.StringValue{}
		if err := c.conn.Invoke(ctx, ValidateTokenMethod, wrapperspb.String(token), out); err != nil {
			switch status.Code(err) {
			case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound, codes.InvalidArgument:
				return nil, ErrInvalidToken
			}
			return nil, err
		}
		return out.GetValue(), nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return "", err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		c.log.Warnw("token validation failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	userID, _ := res.(string)
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// HeaderIdentity treats the bearer token as the user id. Development only.
type HeaderIdentity struct{}

func (HeaderIdentity) ValidateToken(_ context.Context, token string) (string, error) {
	userID := strings.TrimSpace(token)
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
