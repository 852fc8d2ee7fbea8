package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type OutboundHandler func(msg OutboundMessage)

// MessageBus connects channels to the gateway workers.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]OutboundHandler
	logger      *zap.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]OutboundHandler),
		logger:      zap.NewNop(),
	}
}

func (b *MessageBus) SetLogger(l *zap.Logger) {
	if l != nil {
		b.logger = l.Named("bus")
	}
}

// SubscribeOutbound routes outbound messages for channel to fn.
// A later subscription for the same channel replaces the earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// Publish enqueues an inbound message unless ctx is done first.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) bool {
	select {
	case b.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// DispatchOutbound delivers outbound messages until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				b.logger.Warn("no subscriber for outbound message", zap.String("channel", msg.Channel))
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
