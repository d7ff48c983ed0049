package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	quotadomain "github.com/quotagate/quotagate/internal/quota/domain"
	"github.com/quotagate/quotagate/internal/semaphore"
)

type invokeRequest struct {
	APIDigestID string `json:"api_digest_id" binding:"required"`
	Amount      int64  `json:"amount"`
}

type invokeResponse struct {
	Remaining int64 `json:"remaining"`
}

// Invoke is the metering edge of a gateway call: one authenticated request
// consumes quota from the caller's subscription for the named API.
func (s *Server) Invoke(c *gin.Context) {
	ctx := c.Request.Context()

	cred, ok := credentialFrom(c)
	if !ok {
		AbortWithError(c, ErrInternal)
		return
	}

	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	apiDigestID, err := snowflake.ParseString(req.APIDigestID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	amount := req.Amount
	if amount == 0 {
		amount = 1
	}

	remaining, err := s.quotaSvc.ConsumeForUser(ctx, cred.AccountID, apiDigestID, amount)
	if err != nil {
		if s.metrics != nil {
			switch {
			case errors.Is(err, quotadomain.ErrInsufficientQuota):
				s.metrics.RecordQuotaDenied(ctx, "insufficient_quota")
			case errors.Is(err, semaphore.ErrLimitExceeded):
				s.metrics.RecordQuotaDenied(ctx, "rate_limited")
			}
			s.metrics.RecordInvoke(ctx, "denied")
		}
		AbortWithError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordInvoke(ctx, "ok")
	}
	c.JSON(http.StatusOK, invokeResponse{Remaining: remaining})
}
