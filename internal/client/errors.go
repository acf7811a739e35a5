package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/inkwell/internal/errs"
)

// fromStatus turns a gRPC status back into the matching sentinel so callers
// can use errors.Is regardless of transport.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var base error
	switch st.Code() {
	case codes.NotFound:
		base = errs.ErrNotFound
	case codes.Unauthenticated:
		base = errs.ErrUnauthorized
	case codes.ResourceExhausted:
		base = errs.ErrRateLimited
	case codes.AlreadyExists:
		base = errs.ErrAlreadyExists
	case codes.Aborted:
		base = errs.ErrVersionConflict
	case codes.InvalidArgument:
		base = errs.ErrValidation
	case codes.DeadlineExceeded:
		base = context.DeadlineExceeded
	case codes.Canceled:
		base = context.Canceled
	default:
		return err
	}
	return fmt.Errorf("%w: %s", base, st.Message())
}
