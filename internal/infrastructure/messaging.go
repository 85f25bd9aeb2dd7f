package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/ingest/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

// ServiceBusReceiver is the subset of *azservicebus.Receiver the consumer uses.
type ServiceBusReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// ServiceBusConsumer feeds messages from a Service Bus queue or subscription
// into the same handler the MQTT session uses.
type ServiceBusConsumer struct {
	client   *azservicebus.Client
	receiver ServiceBusReceiver
	handler  MessageHandler
	config   config.ServiceBusConfig
	logger   *logrus.Logger
}

// NewServiceBusConsumer connects to the configured queue, or to the topic
// subscription when topic_name is set.
func NewServiceBusConsumer(cfg config.ServiceBusConfig, handler MessageHandler, logger *logrus.Logger) (*ServiceBusConsumer, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	var receiver *azservicebus.Receiver
	if cfg.TopicName != "" {
		receiver, err = client.NewReceiverForSubscription(cfg.TopicName, cfg.SubscriptionName, nil)
	} else {
		receiver, err = client.NewReceiverForQueue(cfg.QueueName, nil)
	}
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}

	c := NewServiceBusConsumerWithReceiver(receiver, cfg, handler, logger)
	c.client = client
	return c, nil
}

// NewServiceBusConsumerWithReceiver builds a consumer around an existing receiver.
func NewServiceBusConsumerWithReceiver(receiver ServiceBusReceiver, cfg config.ServiceBusConfig, handler MessageHandler, logger *logrus.Logger) *ServiceBusConsumer {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &ServiceBusConsumer{
		receiver: receiver,
		handler:  handler,
		config:   cfg,
		logger:   logger,
	}
}

// Run receives until ctx is cancelled.
func (c *ServiceBusConsumer) Run(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"queue":        c.config.QueueName,
		"topic":        c.config.TopicName,
		"subscription": c.config.SubscriptionName,
	}).Info("Service Bus consumer started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := c.ReceiveBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("Service Bus receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.RetryDelay):
			}
			continue
		}
		if n > 0 {
			c.logger.WithField("count", n).Debug("Service Bus batch handled")
		}
	}
}

// ReceiveBatch pulls one batch and settles every message in it. Messages the
// handler rejects are abandoned so the broker redelivers them.
func (c *ServiceBusConsumer) ReceiveBatch(ctx context.Context) (int, error) {
	recvCtx, cancel := context.WithTimeout(ctx, c.config.ReceiveTimeout)
	messages, err := c.receiver.ReceiveMessages(recvCtx, c.config.MaxMessages, nil)
	cancel()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range messages {
		topic := c.topicFor(msg)
		if err := c.handler(ctx, topic, msg.Body); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"message_id":     msg.MessageID,
				"delivery_count": msg.DeliveryCount,
			}).Warn("Abandoning Service Bus message")
			if err := c.receiver.AbandonMessage(ctx, msg, nil); err != nil {
				c.logger.WithError(err).WithField("message_id", msg.MessageID).Error("Failed to abandon message")
			}
			continue
		}
		if err := c.receiver.CompleteMessage(ctx, msg, nil); err != nil {
			c.logger.WithError(err).WithField("message_id", msg.MessageID).Error("Failed to complete message")
		}
	}
	return len(messages), nil
}

// topicFor uses the "topic" application property set by upstream bridges and
// falls back to the entity name.
func (c *ServiceBusConsumer) topicFor(msg *azservicebus.ReceivedMessage) string {
	if topic, ok := msg.ApplicationProperties["topic"].(string); ok && topic != "" {
		return topic
	}
	if c.config.TopicName != "" {
		return c.config.TopicName
	}
	return c.config.QueueName
}

func (c *ServiceBusConsumer) Close() error {
	if c.receiver != nil {
		if err := c.receiver.Close(context.Background()); err != nil {
			return err
		}
	}

	if c.client != nil {
		return c.client.Close(context.Background())
	}

	return nil
}
