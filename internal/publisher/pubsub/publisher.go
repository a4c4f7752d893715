// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// result is the part of *pubsub.PublishResult the publisher needs.
type result interface {
	Get(ctx context.Context) (string, error)
}

type publishFunc func(ctx context.Context, msg *pubsub.Message) result

// Publisher wraps a Pub/Sub publisher client bound to one topic.
type Publisher struct {
	publish publishFunc
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher == nil {
		return &Publisher{}
	}
	return &Publisher{publish: func(ctx context.Context, msg *pubsub.Message) result {
		return publisher.Publish(ctx, msg)
	}}
}

// Publish marshals the payload to JSON and publishes it to the topic. The
// logical topic travels as a message attribute.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publish == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"content_type": "application/json",
		},
	}
	if topic != "" {
		msg.Attributes["topic"] = topic
	}

	id, err := p.publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
