package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Camifryou/whatsappcrm/internal/logger"
)

// ErrStopped is returned when a message is sent to an actor that is no
// longer processing its mailbox.
var ErrStopped = errors.New("actor stopped")

// ErrMailboxFull is returned by Send when the mailbox has no free slot
var ErrMailboxFull = errors.New("actor mailbox full")

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start starts the actor
	Start(ctx context.Context) error
	// Stop stops the actor gracefully. It runs after the mailbox loop has
	// exited, so it may touch actor state without synchronization.
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to an actor for sending messages
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
	health  *HealthCheckable
}

// NewActorRef creates a new actor reference with the given ID, actor
// implementation and mailbox size.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	ref := &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		done:    make(chan struct{}),
	}
	ref.health = NewHealthCheckable(id, ref.mailbox)
	return ref
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Done is closed once the mailbox loop has exited
func (ref *ActorRef) Done() <-chan struct{} {
	return ref.done
}

// Health returns the health tracker of the actor
func (ref *ActorRef) Health() *HealthCheckable {
	return ref.health
}

// Send enqueues a message without blocking
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s: %w", ref.id, ErrMailboxFull)
	}
}

// Deliver enqueues a message, waiting for a free mailbox slot. It gives up
// when ctx is done or the actor stops.
func (ref *ActorRef) Deliver(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	case <-ref.done:
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ref.mu.Lock()
	if ref.started {
		ref.mu.Unlock()
		return fmt.Errorf("actor %s already started", ref.id)
	}
	ref.started = true
	ref.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		close(ref.done)
		return err
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor gracefully
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	ref.mu.Unlock()

	if ref.cancel != nil {
		ref.cancel()
	}

	// Wait for actor to finish processing
	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()
	defer close(ref.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.health.RecordActivity()

			if req, ok := msg.(HealthCheckRequest); ok {
				ref.health.HealthCheckHandler(ctx, req)
				continue
			}

			if err := ref.actor.Receive(ctx, msg); err != nil {
				// Log error but continue processing
				logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
				ref.health.RecordError(err)
			}
		}
	}
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	order  []string
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int) (*ActorRef, error) {
	ref := NewActorRef(id, actor, mailboxSize)
	if err := s.SpawnRef(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// SpawnRef starts an actor that built its own reference and adds it to
// the system.
func (s *System) SpawnRef(ctx context.Context, ref *ActorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[ref.ID()]; exists {
		return fmt.Errorf("actor with id %s already exists", ref.ID())
	}
	if err := ref.Start(ctx); err != nil {
		return err
	}

	s.actors[ref.ID()] = ref
	s.order = append(s.order, ref.ID())
	return nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// HealthCheck returns a report for every actor in the system
func (s *System) HealthCheck() map[string]HealthReport {
	s.mu.RLock()
	refs := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	s.mu.RUnlock()

	reports := make(map[string]HealthReport, len(refs))
	for _, ref := range refs {
		reports[ref.ID()] = ref.health.GenerateHealthReport()
	}
	return reports
}

// StopAll stops all actors in reverse spawn order
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*ActorRef, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		actors = append(actors, s.actors[s.order[i]])
	}
	s.actors = make(map[string]*ActorRef)
	s.order = nil
	s.mu.Unlock()

	var errs []error
	for _, ref := range actors {
		start := time.Now()
		if err := ref.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", ref.ID(), err))
			continue
		}
		logger.Debug("Actor %s stopped in %s", ref.ID(), time.Since(start))
	}
	return errors.Join(errs...)
}
