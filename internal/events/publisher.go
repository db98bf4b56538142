// Package events publishes repository status events to an AMQP topic
// exchange. Publishing is best-effort: a broker outage never blocks or fails
// an ingestion transition.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"repochat/pkg/domain"
)

const defaultExchange = "repochat.events"

// StatusEvent is the published wire shape.
type StatusEvent struct {
	RepositoryID string    `json:"repositoryId"`
	URL          string    `json:"url"`
	Status       string    `json:"status"`
	Vectorized   bool      `json:"vectorized"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Publisher emits status events. A nil Publisher is a valid no-op, so callers
// never need to branch on whether AMQP is configured.
type Publisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher connects lazily: construction never dials, so a broker that is
// down at startup only costs a warning per event until it returns.
func NewPublisher(url, exchange string, logger *slog.Logger) *Publisher {
	if url == "" {
		return nil
	}
	if exchange == "" {
		exchange = defaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		url:      url,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}
}

// RepositoryStatusChanged publishes a status event for a terminal transition.
func (p *Publisher) RepositoryStatusChanged(ctx context.Context, repo domain.Repository) {
	if p == nil {
		return
	}
	event := StatusEvent{
		RepositoryID: repo.ID,
		URL:          repo.URL,
		Status:       string(repo.Status),
		Vectorized:   repo.Vectorized,
		ErrorMessage: repo.ErrorMessage,
		OccurredAt:   time.Now().UTC(),
	}
	routingKey := fmt.Sprintf("repository.%s", event.Status)
	if event.Vectorized {
		routingKey = "repository.vectorized"
	}
	if err := p.publish(ctx, routingKey, event); err != nil {
		p.logger.Warn("failed to publish status event", "repository_id", repo.ID, "routing_key", routingKey, "err", err)
		return
	}
	p.logger.Info("status event published", "repository_id", repo.ID, "routing_key", routingKey)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.OccurredAt,
		Body:        body,
	})
	if err != nil {
		p.reset()
	}
	return err
}

func (p *Publisher) ensureChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return ch, nil
}

func (p *Publisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close releases the AMQP connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.reset()
}
