package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/veloxchat/pushkit/internal/ipc"
	"github.com/veloxchat/pushkit/internal/push"
)

// dialTimeout bounds the initial connection to the worker socket.
const dialTimeout = 5 * time.Second

// Bridge is the foreground end of the worker IPC socket, implementing
// WorkerBridge. Request envelopes are correlated with result envelopes by
// message id; unsolicited worker events surface on Events.
type Bridge struct {
	conn   *ipc.Conn
	events chan ipc.Envelope
	closed chan struct{}

	mu      sync.Mutex
	pending map[string]chan ipc.Envelope
}

// DialWorker connects to the background worker's socket.
func DialWorker(socketPath string) (*Bridge, error) {
	c, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("engine: dialing worker socket: %w", err)
	}

	b := &Bridge{
		conn:    ipc.NewConn(c),
		events:  make(chan ipc.Envelope, 16),
		closed:  make(chan struct{}),
		pending: make(map[string]chan ipc.Envelope),
	}
	go b.readLoop()
	return b, nil
}

// Events implements WorkerBridge. The channel closes when the worker
// connection is lost.
func (b *Bridge) Events() <-chan ipc.Envelope {
	return b.events
}

// Subscription implements WorkerBridge.
func (b *Bridge) Subscription(ctx context.Context) (*push.Subscription, error) {
	res, err := b.request(ctx, ipc.TypeCurrentSubscription, nil)
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// Subscribe implements WorkerBridge.
func (b *Bridge) Subscribe(ctx context.Context, key string) (*push.Subscription, error) {
	res, err := b.request(ctx, ipc.TypeSubscribe, ipc.SubscribeRequest{Key: key})
	if err != nil {
		return nil, err
	}
	if res.Subscription == nil {
		return nil, errors.New("engine: worker returned no subscription")
	}
	return res.Subscription, nil
}

// Unsubscribe implements WorkerBridge.
func (b *Bridge) Unsubscribe(ctx context.Context) error {
	_, err := b.request(ctx, ipc.TypeUnsubscribe, nil)
	return err
}

// Close tears down the worker connection.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// request sends an envelope and waits for its correlated result.
func (b *Bridge) request(ctx context.Context, msgType string, data any) (*ipc.Result, error) {
	env, err := ipc.New(msgType, data)
	if err != nil {
		return nil, err
	}

	reply := make(chan ipc.Envelope, 1)
	b.mu.Lock()
	b.pending[env.ID] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, env.ID)
		b.mu.Unlock()
	}()

	if err := b.conn.Write(env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, errors.New("engine: worker connection closed")
	case resp := <-reply:
		var res ipc.Result
		if err := resp.Decode(&res); err != nil {
			return nil, err
		}
		if !res.OK {
			return nil, fmt.Errorf("engine: worker %s failed: %s", msgType, res.Error)
		}
		return &res, nil
	}
}

// readLoop routes inbound envelopes: replies to their waiters, events to
// the events channel.
func (b *Bridge) readLoop() {
	defer func() {
		close(b.closed)
		close(b.events)
	}()

	for {
		env, err := b.conn.Read()
		if err != nil {
			slog.Debug("engine: worker read loop ended", "error", err)
			return
		}

		if env.ReplyTo != "" {
			b.mu.Lock()
			reply := b.pending[env.ReplyTo]
			b.mu.Unlock()
			if reply != nil {
				reply <- env
			}
			continue
		}

		select {
		case b.events <- env:
		default:
			slog.Warn("engine: dropping worker event, queue full", "type", env.Type)
		}
	}
}
