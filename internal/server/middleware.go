package server

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	signaturedomain "github.com/quotagate/quotagate/internal/signature/domain"
)

const credentialContextKey = "gateway.credential"

// SignatureRequired authenticates the request from the signing headers
// before any handler runs. The body is read for signature material and
// restored so handlers can still bind it.
func (s *Server) SignatureRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		timestamp, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader("timestamp")), 10, 64)
		if err != nil {
			AbortWithError(c, signaturedomain.ErrClockSkewExceeded)
			return
		}

		req := signaturedomain.SignedRequest{
			AccessKey: strings.TrimSpace(c.GetHeader("accessKey")),
			Nonce:     strings.TrimSpace(c.GetHeader("nonce")),
			Timestamp: timestamp,
			Signature: strings.TrimSpace(c.GetHeader("sign")),
			Body:      string(body),
		}

		cred, err := s.verifier.Verify(ctx, req)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordSignatureRejected(ctx, err.Error())
			}
			AbortWithError(c, err)
			return
		}

		c.Set(credentialContextKey, cred)
		c.Next()
	}
}

func credentialFrom(c *gin.Context) (*signaturedomain.Credential, bool) {
	value, ok := c.Get(credentialContextKey)
	if !ok {
		return nil, false
	}
	cred, ok := value.(*signaturedomain.Credential)
	return cred, ok
}
