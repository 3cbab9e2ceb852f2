// Package queue carries ingestion tasks from the API to the workers, either
// through NSQ or through an in-process ants pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"
)

var ErrQueueFull = errors.New("task queue is full")

// Publisher matches *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Consumer is a started subscription that can be stopped.
type Consumer interface {
	Stop()
}

type NSQConfig struct {
	NSQDHost    string
	NSQDHTTP    string
	Lookupd     string
	Channel     string
	MaxInFlight int
	// MaxAttempts bounds redeliveries of a message whose handler keeps failing.
	MaxAttempts uint16
}

func NewNSQProducer(cfg NSQConfig) (*nsq.Producer, error) {
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	return producer, nil
}

// NSQConsumer wires h to topic with MaxInFlight concurrent handlers.
func NSQConsumer(cfg NSQConfig, topic string, h nsq.Handler) (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = max(cfg.MaxInFlight, 1)
	if cfg.MaxAttempts > 0 {
		nsqCfg.MaxAttempts = cfg.MaxAttempts
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "backend"
	}

	consumer, err := nsq.NewConsumer(topic, channel, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddConcurrentHandlers(h, nsqCfg.MaxInFlight)
	if err := consumer.ConnectToNSQLookupd(cfg.Lookupd); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connecting to nsqlookupd: %w", err)
	}
	return consumer, nil
}

// CreateTopics pre-creates topics on nsqd so consumers polling lookupd find
// them before the first publish.
func CreateTopics(ctx context.Context, nsqdHTTP string, topics ...string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, topic := range topics {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			slog.WarnContext(ctx, "failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.WarnContext(ctx, "failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}
}

const defaultDrainTimeout = 30 * time.Second
