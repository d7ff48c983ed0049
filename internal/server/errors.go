package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quotagate/quotagate/internal/idempotency"
	orderdomain "github.com/quotagate/quotagate/internal/order/domain"
	quotadomain "github.com/quotagate/quotagate/internal/quota/domain"
	"github.com/quotagate/quotagate/internal/semaphore"
	signaturedomain "github.com/quotagate/quotagate/internal/signature/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInternal           = errors.New("internal_error")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware converts the last recorded gin error into the
// JSON error envelope. Handlers record errors with AbortWithError and never
// write error bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, signaturedomain.ErrUnknownAccessKey),
		errors.Is(err, signaturedomain.ErrInvalidSignature),
		errors.Is(err, signaturedomain.ErrClockSkewExceeded),
		errors.Is(err, signaturedomain.ErrReplayedNonce):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, quotadomain.ErrSubscriptionDisabled):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "subscription disabled",
		}
	case errors.Is(err, quotadomain.ErrInsufficientQuota):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "insufficient_quota",
			Message: "quota exhausted",
		}
	case errors.Is(err, semaphore.ErrLimitExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many concurrent requests",
		}
	case errors.Is(err, quotadomain.ErrNotFound),
		errors.Is(err, orderdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, quotadomain.ErrInvalidAmount),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, idempotency.ErrStoreUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
