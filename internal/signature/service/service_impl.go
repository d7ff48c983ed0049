package service

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/signature/domain"
	"github.com/quotagate/quotagate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Repo   repository.Repository[domain.Credential]
	Nonces domain.NonceStore
	Cfg    config.Config
}

type Service struct {
	log    *zap.Logger
	repo   repository.Repository[domain.Credential]
	nonces domain.NonceStore
	skew   time.Duration
	now    func() time.Time
}

func New(p Params) domain.Verifier {
	return &Service{
		log:    p.Log.Named("signature.service"),
		repo:   p.Repo,
		nonces: p.Nonces,
		skew:   p.Cfg.Signature.SkewWindow,
		now:    time.Now,
	}
}

// Verify checks the request in a fixed order: unknown key, signature,
// timestamp, nonce. The ordering keeps a bad signature from revealing
// whether the later checks would have passed.
func (s *Service) Verify(ctx context.Context, req domain.SignedRequest) (*domain.Credential, error) {
	accessKey := strings.TrimSpace(req.AccessKey)
	if accessKey == "" {
		return nil, domain.ErrUnknownAccessKey
	}

	cred, err := s.repo.FindOne(ctx, &domain.Credential{AccessKey: accessKey})
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Status != domain.CredentialStatusActive {
		return nil, domain.ErrUnknownAccessKey
	}

	expected := domain.Sign(req.Body, cred.SecretKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(req.Signature)) != 1 {
		return nil, domain.ErrInvalidSignature
	}

	now := s.now().UTC()
	sent := time.Unix(req.Timestamp, 0).UTC()
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.skew {
		return nil, domain.ErrClockSkewExceeded
	}

	if strings.TrimSpace(req.Nonce) == "" {
		return nil, domain.ErrReplayedNonce
	}
	fresh, err := s.nonces.Remember(ctx, accessKey, req.Nonce)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.log.Warn("nonce replay rejected",
			zap.String("access_key", accessKey),
			zap.String("nonce", req.Nonce),
		)
		return nil, domain.ErrReplayedNonce
	}

	return cred, nil
}

// SetNow overrides the clock, for skew tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }
