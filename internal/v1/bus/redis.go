package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

// Envelope is the container for events moving between pods. SenderPod
// lets the originating pod ignore its own publications and avoid
// double delivery.
type Envelope struct {
	Room      string          `json:"room,omitempty"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderPod string          `json:"senderPod"`
}

// RoomChannel is the Redis channel carrying events for one gateway room.
func RoomChannel(room string) string { return "class:room:" + room }

// UserChannel is the Redis channel carrying directed events for one user.
func UserChannel(userID string) string { return "class:user:" + userID }

// OnlineSetKey is the Redis set tracking online user IDs for a meeting
// across all pods.
func OnlineSetKey(meetingID string) string { return "class:online:" + meetingID }

// Service handles all interaction with Redis. A nil *Service is valid
// and degrades every operation to a no-op, which is how single-pod
// deployments run.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	podID  string
}

// NewService connects to Redis and wraps calls in a circuit breaker so
// a Redis outage degrades cross-pod fan-out instead of failing local
// operations.
func NewService(addr, password, podID string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		podID:  podID,
	}, nil
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// PodID returns the identifier this pod stamps on its publications.
func (s *Service) PodID() string {
	if s == nil {
		return ""
	}
	return s.podID
}

// Publish broadcasts a room event to all other pods. When the circuit
// breaker is open the message is dropped; local delivery has already
// happened by the time this is called.
func (s *Service) Publish(ctx context.Context, room string, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := marshalEnvelope(room, event, payload, s.podID)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, RoomChannel(room), data).Err()
	})
	return s.publishErr(ctx, err, "room", room)
}

// PublishDirect sends a directed event to one user's channel on all pods.
func (s *Service) PublishDirect(ctx context.Context, userID string, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := marshalEnvelope("", event, payload, s.podID)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, UserChannel(userID), data).Err()
	})
	return s.publishErr(ctx, err, "user", userID)
}

func (s *Service) publishErr(ctx context.Context, err error, targetKind, target string) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		logging.Warn(ctx, "redis circuit breaker open, dropping publish",
			zap.String(targetKind, target))
		return nil
	}
	logging.Error(ctx, "redis publish failed",
		zap.String(targetKind, target), zap.Error(err))
	return err
}

func marshalEnvelope(room, event string, payload any, podID string) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal inner payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		Room:      room,
		Event:     event,
		Payload:   inner,
		SenderPod: podID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Subscribe starts a background goroutine delivering messages published
// on channel by OTHER pods to handler. The goroutine exits when ctx is
// cancelled.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to redis channel", zap.String("channel", channel))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "unmarshal redis message", zap.Error(err))
					continue
				}
				if env.SenderPod == s.podID {
					continue
				}
				handler(env)
			}
		}
	}()
}

// MarkOnline adds a user to the cross-pod online set for a meeting.
func (s *Service) MarkOnline(ctx context.Context, meetingID, userID string) error {
	return s.setOp(ctx, func() error {
		return s.client.SAdd(ctx, OnlineSetKey(meetingID), userID).Err()
	})
}

// MarkOffline removes a user from the cross-pod online set.
func (s *Service) MarkOffline(ctx context.Context, meetingID, userID string) error {
	return s.setOp(ctx, func() error {
		return s.client.SRem(ctx, OnlineSetKey(meetingID), userID).Err()
	})
}

// OnlineUsers returns the user IDs currently online in a meeting across
// all pods. Returns nil when Redis is unavailable so callers fall back
// to pod-local state.
func (s *Service) OnlineUsers(ctx context.Context, meetingID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, OnlineSetKey(meetingID)).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("read online set: %w", err)
	}
	return res.([]string), nil
}

func (s *Service) setOp(ctx context.Context, op func() error) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return err
	}
	return nil
}

// Ping checks Redis connectivity. Used by readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
