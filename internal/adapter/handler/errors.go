package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// httpStatus maps the error taxonomy onto HTTP. A stale token is 412; other
// conflicts (a reservation already finished, retries exhausted) are 409.
func httpStatus(err error) (int, string) {
	var conflict *domain.ConflictError
	switch domain.KindOf(err) {
	case domain.KindConflict:
		if errors.As(err, &conflict) {
			return http.StatusPreconditionFailed, "precondition failed"
		}
		return http.StatusConflict, "conflict"
	case domain.KindPreconditionRequired:
		return http.StatusPreconditionRequired, "precondition required"
	case domain.KindMalformedPrecondition:
		return http.StatusBadRequest, "malformed precondition"
	case domain.KindNotFound:
		return http.StatusNotFound, "not found"
	case domain.KindInsufficientInventory:
		return http.StatusConflict, "insufficient inventory"
	case domain.KindInvalidArgument:
		return http.StatusBadRequest, "invalid request"
	case domain.KindInfrastructure:
		return http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}

	var code codes.Code
	switch domain.KindOf(err) {
	case domain.KindConflict:
		code = codes.Aborted
	case domain.KindPreconditionRequired:
		code = codes.FailedPrecondition
	case domain.KindMalformedPrecondition, domain.KindInvalidArgument:
		code = codes.InvalidArgument
	case domain.KindNotFound:
		code = codes.NotFound
	case domain.KindInsufficientInventory:
		code = codes.ResourceExhausted
	case domain.KindInfrastructure:
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
