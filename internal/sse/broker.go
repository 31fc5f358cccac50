package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/olympic/session-gateway/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

const (
	EventOrderConfirmed = "order_confirmed"
	EventOrderFailed    = "order_failed"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	OrderID string
	Events  chan Event
	Done    chan struct{}
}

// orderSubscription is the redis subscription shared by every client
// watching one order.
type orderSubscription struct {
	pubsub  *redis.PubSub
	clients map[*Client]bool
}

// Broker fans order events out to SSE clients. Events travel over redis
// pub/sub so a webhook handled by one instance reaches clients on another.
type Broker struct {
	redis  *redisclient.Client
	orders map[string]*orderSubscription
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		orders: make(map[string]*orderSubscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a client for orderID. It returns once redis has
// confirmed the channel subscription, so any event published afterwards
// reaches the client.
func (b *Broker) Subscribe(ctx context.Context, orderID string) (*Client, error) {
	client := &Client{
		OrderID: orderID,
		Events:  make(chan Event, 8),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.orders[orderID]
	if !ok {
		channel := redisclient.OrderChannel(orderID)
		pubsub := b.redis.Subscribe(b.ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}

		sub = &orderSubscription{pubsub: pubsub, clients: make(map[*Client]bool)}
		b.orders[orderID] = sub
		go b.forward(orderID, sub)

		log.Debug().
			Str("orderId", orderID).
			Str("channel", channel).
			Msg("redis pubsub subscribed")
	}
	sub.clients[client] = true

	log.Debug().
		Str("orderId", orderID).
		Int("clientCount", len(sub.clients)).
		Msg("sse client subscribed")

	return client, nil
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.orders[client.OrderID]
	if !ok {
		return
	}
	if _, present := sub.clients[client]; !present {
		return
	}
	delete(sub.clients, client)
	close(client.Done)

	if len(sub.clients) == 0 {
		delete(b.orders, client.OrderID)
		sub.pubsub.Close()
	}

	log.Debug().
		Str("orderId", client.OrderID).
		Int("clientCount", len(sub.clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, orderID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.OrderChannel(orderID)
	return b.redis.Publish(ctx, channel, data).Err()
}

// forward relays messages until the subscription is closed.
func (b *Broker) forward(orderID string, sub *orderSubscription) {
	for msg := range sub.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal event")
			continue
		}
		b.broadcast(orderID, sub, event)
	}
}

func (b *Broker) broadcast(orderID string, sub *orderSubscription, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range sub.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("orderId", orderID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.orders {
		for client := range sub.clients {
			close(client.Done)
		}
		sub.pubsub.Close()
	}
	b.orders = make(map[string]*orderSubscription)
}

func (b *Broker) ClientCount(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.orders[orderID]
	if !ok {
		return 0
	}
	return len(sub.clients)
}
