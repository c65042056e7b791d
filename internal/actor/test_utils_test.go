package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// TestMessage is a simple test message type
type TestMessage struct {
	ID      string
	Content string
}

func (m *TestMessage) Type() string {
	return "test"
}

// ErrorMessage is used to trigger errors
type ErrorMessage struct{}

func (m *ErrorMessage) Type() string {
	return "error"
}

// TestActor is a simple actor implementation for testing
type TestActor struct {
	id           string
	receivedMsgs []Message
	receiveCount atomic.Int32
	startCalled  atomic.Bool
	stopCalled   atomic.Bool
	startErr     error
	block        chan struct{}
	mu           sync.Mutex
}

func NewTestActor(id string) *TestActor {
	return &TestActor{id: id}
}

func (a *TestActor) ID() string {
	return a.id
}

func (a *TestActor) Start(ctx context.Context) error {
	a.startCalled.Store(true)
	return a.startErr
}

func (a *TestActor) Stop(ctx context.Context) error {
	a.stopCalled.Store(true)
	return nil
}

func (a *TestActor) Receive(ctx context.Context, msg Message) error {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.receiveCount.Add(1)

	a.mu.Lock()
	a.receivedMsgs = append(a.receivedMsgs, msg)
	a.mu.Unlock()

	if _, ok := msg.(*ErrorMessage); ok {
		return errors.New("error message received")
	}
	return nil
}

func (a *TestActor) GetReceivedMessages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]Message, len(a.receivedMsgs))
	copy(msgs, a.receivedMsgs)
	return msgs
}

func (a *TestActor) GetReceiveCount() int32 {
	return a.receiveCount.Load()
}
