package tron

import (
	"context"
	"errors"
	"strings"

	"github.com/fbsobreira/gotron-sdk/pkg/proto/api"
	"github.com/usdt-escrow/backend/internal/apperr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// classify maps a node error to a transient or permanent chain error.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) == apperr.KindChainTransient || apperr.KindOf(err) == apperr.KindChainPermanent {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.ChainTransient(err, "%s", op)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
			codes.Unauthenticated, codes.Unimplemented, codes.OutOfRange:
			return apperr.ChainPermanent(err, "%s", op)
		default:
			return apperr.ChainTransient(err, "%s", op)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"invalid", "validate", "balance is not sufficient", "not found"} {
		if strings.Contains(msg, s) {
			return apperr.ChainPermanent(err, "%s", op)
		}
	}
	return apperr.ChainTransient(err, "%s", op)
}

// classifyReturn maps a broadcast result code. It returns nil for codes that
// mean the transaction is (or already was) accepted.
func classifyReturn(ret *api.Return, err error) error {
	if ret == nil {
		return classify(err, "broadcast")
	}
	msg := string(ret.GetMessage())
	switch ret.GetCode() {
	case api.Return_SUCCESS:
		if ret.GetResult() {
			return nil
		}
		return apperr.ChainTransient(err, "broadcast rejected: %s", msg)
	case api.Return_DUP_TRANSACTION_ERROR:
		return nil
	case api.Return_SERVER_BUSY, api.Return_NO_CONNECTION,
		api.Return_NOT_ENOUGH_EFFECTIVE_CONNECTION, api.Return_OTHER_ERROR:
		return apperr.ChainTransient(err, "broadcast %s: %s", ret.GetCode(), msg)
	default:
		return apperr.ChainPermanent(err, "broadcast %s: %s", ret.GetCode(), msg)
	}
}
