package service

import (
	"context"
	"strings"

	"realtime_chat/internal/config"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/jwt"
	"realtime_chat/pkg/logger"
)

// IdentityResolver превращает токен клиента в userId. Хранилище не трогает.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

type identityResolver struct {
	secret string
	issuer string
	log    logger.Logger
}

func NewIdentityResolver(cfg config.JWTConfig, log logger.Logger) IdentityResolver {
	return &identityResolver{
		secret: cfg.AccessSecret,
		issuer: cfg.Issuer,
		log:    log,
	}
}

func (r *identityResolver) Resolve(ctx context.Context, credential string) (string, error) {
	token := strings.TrimSpace(credential)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", apperrors.ErrInvalidToken
	}

	claims, err := jwt.ValidateToken(token, r.secret, r.issuer)
	if err != nil {
		r.log.Debug("Token rejected", "error", err)
		return "", err
	}
	return claims.Identity(), nil
}
