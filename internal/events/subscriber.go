package events

import (
	"context"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const handlerTimeout = 10 * time.Second

type HandlerFunc func(ctx context.Context, delivery amqp091.Delivery) error

type Subscriber interface {
	RegisterHandler(routingKey string, handler HandlerFunc)
	Start(queueName string) error
	Close() error
}

type SubscriberOptions struct {
	Exchange string
	Buffer   int
	Workers  int
}

type rmqSubscriber struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	log      logger.Logger
	handlers map[string]HandlerFunc
	msgChan  chan amqp091.Delivery
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	workers  int
}

// NewSubscriber объявляет topic exchange и готовит пул обработчиков.
// Соединение принадлежит подписчику и закрывается в Close.
func NewSubscriber(conn *amqp091.Connection, opts SubscriberOptions, log logger.Logger) (Subscriber, error) {
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &rmqSubscriber{
		conn:     conn,
		ch:       ch,
		exchange: opts.Exchange,
		log:      log,
		handlers: make(map[string]HandlerFunc),
		msgChan:  make(chan amqp091.Delivery, opts.Buffer),
		done:     make(chan struct{}),
		workers:  opts.Workers,
	}, nil
}

func (s *rmqSubscriber) RegisterHandler(routingKey string, handler HandlerFunc) {
	s.handlers[routingKey] = handler
}

func (s *rmqSubscriber) Start(queueName string) error {
	var startErr error
	s.once.Do(func() {
		if err := s.setupQueue(queueName); err != nil {
			startErr = err
			return
		}
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.workerLoop()
		}
		s.log.Info("Membership subscriber started", "queue", queueName, "exchange", s.exchange, "workers", s.workers)
	})
	return startErr
}

func (s *rmqSubscriber) setupQueue(queueName string) error {
	if err := s.ch.Qos(s.workers*2, 0, false); err != nil {
		return err
	}
	q, err := s.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for key := range s.handlers {
		if err := s.ch.QueueBind(q.Name, key, s.exchange, false, nil); err != nil {
			return err
		}
	}
	msgs, err := s.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		defer close(s.msgChan)
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					s.log.Warn("Membership delivery channel closed")
					return
				}
				select {
				case s.msgChan <- msg:
				case <-s.done:
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return nil
}

func (s *rmqSubscriber) workerLoop() {
	defer s.wg.Done()
	for msg := range s.msgChan {
		s.dispatch(msg)
	}
}

func (s *rmqSubscriber) dispatch(msg amqp091.Delivery) {
	handler, ok := s.handlers[msg.RoutingKey]
	if !ok {
		s.log.Warn("No handler for routing key", "key", msg.RoutingKey)
		_ = msg.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	err := handler(ctx, msg)
	cancel()

	switch {
	case err == nil:
		_ = msg.Ack(false)
	case apperrors.Is(err, apperrors.ErrBadRequest):
		// битое сообщение повтор не исправит
		s.log.Error("Dropping malformed membership event", "key", msg.RoutingKey, "error", err)
		_ = msg.Nack(false, false)
	default:
		s.log.Error("Membership handler failed, requeueing", "key", msg.RoutingKey, "error", err)
		_ = msg.Nack(false, true)
	}
}

func (s *rmqSubscriber) Close() error {
	close(s.done)
	s.wg.Wait()
	_ = s.ch.Close()
	return s.conn.Close()
}
