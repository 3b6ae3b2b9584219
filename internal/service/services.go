package service

import (
	"realtime_chat/internal/config"
	"realtime_chat/internal/dedup"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/metrics"
	"realtime_chat/internal/repository"
	"realtime_chat/pkg/logger"
)

// Runtime - общее состояние процесса, создается один раз в main
type Runtime struct {
	Registry *hub.Registry
	Presence *hub.Presence
	Ledger   *dedup.Ledger
	Metrics  *metrics.Metrics
}

type Services struct {
	Identity  IdentityResolver
	Groups    GroupService
	Messages  MessageService
	Replay    ReplayService
	RateLimit RateLimitService
	Audit     AuditService
	Gateway   Gateway
}

func NewServices(repos *repository.Repositories, rt Runtime, cfg *config.Config, log logger.Logger) (*Services, error) {
	auditRepo := repos.Audit
	if auditRepo == nil {
		auditRepo = repository.NewMemoryAuditRepository()
	}
	audit := NewAuditService(auditRepo, log)

	groups, err := NewGroupService(repos.Groups, rt.Registry, rt.Presence, audit, rt.Metrics, log)
	if err != nil {
		return nil, err
	}

	services := &Services{
		Identity:  NewIdentityResolver(cfg.JWT, log),
		Groups:    groups,
		RateLimit: NewRateLimitService(repos.RateLimit, log),
		Audit:     audit,
	}
	services.Messages = NewMessageService(
		repos.Messages, groups, rt.Registry, rt.Presence, rt.Ledger, audit,
		cfg.Gateway.PersistTimeout, rt.Metrics, log,
	)
	services.Replay = NewReplayService(
		repos.Messages, groups, rt.Registry,
		cfg.Gateway.ReplayLookback, cfg.Gateway.ReplayLimit, log,
	)
	services.Gateway = NewGateway(
		services.Identity, services.Messages, services.Replay, groups, services.RateLimit,
		rt.Registry, rt.Presence,
		SendLimit{Enabled: cfg.RateLimit.Enabled, Limit: cfg.RateLimit.SendLimit, Window: cfg.RateLimit.SendWindow},
		rt.Metrics, log,
	)

	log.Info("Services initialized")
	return services, nil
}
