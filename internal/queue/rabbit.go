package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitPublisher publishes dead-lettered notifications and delivery
// outcomes to a direct exchange.
type RabbitPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  config.RabbitMQConfig
	logger  *zap.Logger
}

func NewRabbitPublisher(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	r := &RabbitPublisher{
		conn:    conn,
		channel: channel,
		config:  cfg,
		logger:  logger.Named("rabbitmq"),
	}
	if err := r.SetUpExchangeAndQueue(); err != nil {
		r.Close()
		return nil, err
	}
	r.logger.Info("connected to rabbitmq", zap.String("exchange", cfg.Exchange))
	return r, nil
}

func (r *RabbitPublisher) IsConnected() bool {
	return r.conn != nil && !r.conn.IsClosed()
}

func (r *RabbitPublisher) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// set up our exchange
func (r *RabbitPublisher) SetUpExchangeAndQueue() error {
	if err := r.channel.ExchangeDeclare(
		r.config.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.config.Exchange, err)
	}
	for _, queueName := range r.queues() {
		if _, err := r.channel.QueueDeclare(
			queueName,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queueName, err)
		}
		if err := r.channel.QueueBind(
			queueName,
			queueName,
			r.config.Exchange,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
		}
	}
	return nil
}

func (r *RabbitPublisher) queues() []string {
	var out []string
	for _, q := range []string{r.config.FailedQueue, r.config.OutcomeQueue} {
		if q != "" {
			out = append(out, q)
		}
	}
	return out
}

func (r *RabbitPublisher) PublishDeadLetter(ctx context.Context, n *models.Notification, results []models.DeliveryResult) error {
	return r.publish(ctx, r.config.FailedQueue, newDeadLetter(n, results, time.Now()))
}

func (r *RabbitPublisher) PublishOutcome(ctx context.Context, n *models.Notification, results []models.DeliveryResult) error {
	return r.publish(ctx, r.config.OutcomeQueue, newOutcome(n, results))
}

func (r *RabbitPublisher) publish(ctx context.Context, routingKey string, message interface{}) error {
	if routingKey == "" {
		return nil
	}
	by, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = r.channel.PublishWithContext(
		ctx,
		r.config.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         by,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

type deadLetter struct {
	Notification *models.Notification    `json:"notification"`
	Attempts     []models.DeliveryResult `json:"attempts"`
	Reason       string                  `json:"reason"`
	FailedAt     time.Time               `json:"failedAt"`
}

func newDeadLetter(n *models.Notification, results []models.DeliveryResult, at time.Time) deadLetter {
	reason := "no channel available"
	if len(results) > 0 {
		reason = results[len(results)-1].Error
	}
	return deadLetter{Notification: n, Attempts: results, Reason: reason, FailedAt: at}
}

type outcome struct {
	NotificationID string                  `json:"notificationId"`
	UserID         string                  `json:"userId"`
	Status         models.DeliveryStatus   `json:"status"`
	Channel        models.ChannelName      `json:"channel,omitempty"`
	RetryCount     int                     `json:"retryCount"`
	Attempts       []models.DeliveryResult `json:"attempts"`
}

func newOutcome(n *models.Notification, results []models.DeliveryResult) outcome {
	o := outcome{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Status:         n.DeliveryStatus,
		RetryCount:     n.RetryCount,
		Attempts:       results,
	}
	for _, r := range results {
		if r.Success {
			o.Channel = r.Channel
		}
	}
	return o
}
