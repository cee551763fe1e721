// Package events publishes social-graph change events into Redis channels.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types emitted on graph transitions.
const (
	TypeFollow          = "follow"
	TypeUnfollow        = "unfollow"
	TypeFollowRequested = "follow_requested"
	TypeRequestCanceled = "request_cancelled"
	TypeRequestAccepted = "request_accepted"
	TypeRequestRejected = "request_rejected"
	TypeFollowerRemoved = "follower_removed"
)

// Event is the wire form of one graph change. Consumers treat events as
// hints only; the edge set in the database stays authoritative.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ActorID    uint      `json:"actorId"`
	SubjectID  uint      `json:"subjectId"`
	RequestID  uint      `json:"requestId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers graph events to per-user Redis channels. Delivery is
// best effort; a nil client or publish failure never fails the transition
// that produced the event.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Publisher using the provided Redis client.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// UserChannel derives the Redis channel name for a user's graph events.
func UserChannel(userID uint) string {
	return "graph:user:" + strconv.FormatUint(uint64(userID), 10)
}

// Publish sends the event to the subject's channel. Errors are logged, not
// returned; callers already committed the transition.
func (p *Publisher) Publish(ctx context.Context, eventType string, actorID, subjectID, requestID uint) {
	if p == nil || p.rdb == nil {
		return
	}

	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ActorID:    actorID,
		SubjectID:  subjectID,
		RequestID:  requestID,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("graph event marshal failed: %v", err)
		return
	}

	if err := p.rdb.Publish(ctx, UserChannel(subjectID), string(payload)).Err(); err != nil {
		log.Printf("graph event publish failed (type=%s subject=%d): %v", eventType, subjectID, err)
	}
}

// StartSubscriber subscribes to pattern `graph:user:*` and calls onEvent for
// each incoming event. Malformed payloads are dropped.
func (p *Publisher) StartSubscriber(
	ctx context.Context, onEvent func(channel string, evt Event),
) error {
	if p == nil || p.rdb == nil {
		return nil
	}
	sub := p.rdb.PSubscribe(ctx, "graph:user:*")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Printf("graph event decode failed on %s: %v", msg.Channel, err)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in graph subscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onEvent(msg.Channel, evt)
				}()
			}
		}
	}()

	return nil
}

// DescribeEvent renders a short human-readable form, used by the event tail
// in debug logging.
func DescribeEvent(evt Event) string {
	return fmt.Sprintf("%s actor=%d subject=%d", evt.Type, evt.ActorID, evt.SubjectID)
}
