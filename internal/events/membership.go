package events

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/rabbitmq/amqp091-go"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/service"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// Ключи маршрутизации, которые публикует сервис групп
const (
	RoutingMemberAdded    = "group.member_added"
	RoutingMemberRemoved  = "group.member_removed"
	RoutingGroupDissolved = "group.dissolved"
	RoutingCoAdminAdded   = "group.co_admin_added"
	RoutingCoAdminRemoved = "group.co_admin_removed"
)

var routingTypes = map[string]string{
	RoutingMemberAdded:    domain.MembershipMemberAdded,
	RoutingMemberRemoved:  domain.MembershipMemberRemoved,
	RoutingGroupDissolved: domain.MembershipGroupDissolved,
	RoutingCoAdminAdded:   domain.MembershipCoAdminAdded,
	RoutingCoAdminRemoved: domain.MembershipCoAdminRemoved,
}

// MembershipConsumer переводит сообщения брокера в вызовы GroupService.Apply
type MembershipConsumer struct {
	groups   service.GroupService
	validate *validator.Validate
	log      logger.Logger
}

func NewMembershipConsumer(groups service.GroupService, log logger.Logger) *MembershipConsumer {
	return &MembershipConsumer{
		groups:   groups,
		validate: validator.New(),
		log:      log,
	}
}

// Register вешает обработчик на все ключи событий членства
func (c *MembershipConsumer) Register(sub Subscriber) {
	for key := range routingTypes {
		sub.RegisterHandler(key, c.Handle)
	}
}

func (c *MembershipConsumer) Handle(ctx context.Context, delivery amqp091.Delivery) error {
	var event domain.MembershipEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		return apperrors.Validation("malformed membership event: %v", err)
	}
	// тип берем из ключа, если издатель его не положил в тело
	if event.Type == "" {
		event.Type = routingTypes[delivery.RoutingKey]
	}
	return c.Apply(ctx, event)
}

func (c *MembershipConsumer) Apply(ctx context.Context, event domain.MembershipEvent) error {
	if err := c.validate.Struct(event); err != nil {
		return apperrors.Validation("%v", err)
	}
	if err := c.groups.Apply(ctx, event); err != nil {
		return err
	}
	c.log.Debug("Membership event consumed", "type", event.Type, "group_id", event.GroupID)
	return nil
}
