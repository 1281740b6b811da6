package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/types"
)

const publishTimeout = 5 * time.Second

// RoutingKey is the topic a snapshot is published under.
func RoutingKey(kind types.SnapshotKind) string {
	return "task." + string(kind)
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards snapshots to a topic exchange so other processes can
// follow tasks. Publishing failures are logged and never reach the engine.
type Publisher struct {
	conn     *amqp.Connection
	channel  publishChannel
	exchange string
	mu       sync.Mutex
}

// DialPublisher connects to url and declares exchange as a durable topic exchange.
func DialPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("error connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("error declaring exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *Publisher) Notify(s types.Snapshot) {
	body, err := json.Marshal(s)
	if err != nil {
		log.Warn().Str("op", "notify/amqp").Err(err).Msg("failed to encode snapshot")
		return
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Type:         string(s.Kind),
		MessageId:    s.TaskID,
		Body:         body,
		DeliveryMode: amqp.Transient,
		Timestamp:    s.OccurredAt,
	}
	// terminal snapshots must survive a broker restart
	switch s.Kind {
	case types.KindCompleted, types.KindError, types.KindPaused:
		msg.DeliveryMode = amqp.Persistent
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(s.Kind), false, false, msg); err != nil {
		log.Warn().Str("op", "notify/amqp").Str("task", s.TaskID).Err(err).Msg("failed to publish snapshot")
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.channel != nil {
		err = p.channel.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
