// Package bridge mirrors room event streams onto Redis pub/sub so other
// services (notification fanout, audit, dashboards) can follow document
// activity without speaking the WebSocket protocol.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"workhub/collab/internal/collab"
)

const channelPrefix = "collab:"

// Envelope is the wire shape published on collab:<documentId>. NodeID lets
// consumers attribute events when several collabd nodes share one Redis.
type Envelope struct {
	NodeID     string       `json:"nodeId"`
	DocumentID string       `json:"documentId"`
	Event      collab.Event `json:"event"`
}

type exportItem struct {
	documentID string
	event      collab.Event
}

// Redis is an event exporter backed by go-redis. Export never blocks the
// room actor: events go through a buffered queue drained by one publisher
// goroutine, and overflow is dropped with a log line.
type Redis struct {
	client *redis.Client
	nodeID string
	queue  chan exportItem
	done   chan struct{}
}

func NewRedis(ctx context.Context, redisURL, nodeID string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b := &Redis{
		client: client,
		nodeID: nodeID,
		queue:  make(chan exportItem, 1024),
		done:   make(chan struct{}),
	}
	go b.publishLoop()
	return b, nil
}

// Export queues an event for publication. Called inline by room actors.
func (b *Redis) Export(documentID string, e collab.Event) {
	select {
	case b.queue <- exportItem{documentID: documentID, event: e}:
	default:
		log.Printf("bridge: dropping event seq %d for %s (publish backlog)", e.Seq, documentID)
	}
}

func (b *Redis) publishLoop() {
	defer close(b.done)
	for item := range b.queue {
		payload, err := json.Marshal(Envelope{
			NodeID:     b.nodeID,
			DocumentID: item.documentID,
			Event:      item.event,
		})
		if err != nil {
			log.Printf("bridge: encode event seq %d: %v", item.event.Seq, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.client.Publish(ctx, channelPrefix+item.documentID, payload).Err(); err != nil {
			log.Printf("bridge: publish to %s failed: %v", channelPrefix+item.documentID, err)
		}
		cancel()
	}
}

// Subscribe follows one document's exported feed. The returned channel
// closes when ctx is cancelled.
func (b *Redis) Subscribe(ctx context.Context, documentID string) (<-chan Envelope, error) {
	sub := b.client.Subscribe(ctx, channelPrefix+documentID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", documentID, err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("bridge: dropping malformed envelope on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close flushes the queue and tears down the connection.
func (b *Redis) Close() error {
	close(b.queue)
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		log.Printf("bridge: close timed out flushing publish queue")
	}
	return b.client.Close()
}
