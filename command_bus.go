package eventflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// CommandDispatcher is the narrow interface consumed by components that issue
// commands, such as the saga orchestrator.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (AppendResult, error)
}

// queuedCommand is a command enqueued for processing, together with the
// caller's context and a channel for the result.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

type commandResult struct {
	Result AppendResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher. Commands of one
// type route to exactly one handler; registration of a second handler for the
// same type fails with ErrDuplicateHandler.
//
// Commands are sharded over worker queues by aggregate id, so commands for
// the same aggregate are processed in dispatch order while different
// aggregates proceed in parallel. Handler failures propagate to the
// dispatching caller unchanged; the bus itself never retries.
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)
	queues     []chan queuedCommand
	wg         sync.WaitGroup
	mu         sync.RWMutex
	shardCount int
	stopped    bool
}

// NewCommandBus creates a command bus with shardCount worker queues of the
// given buffer size. The workers are started immediately.
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch enqueues a command for its registered handler and waits for the
// result. It is safe to call concurrently.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (AppendResult, error) {
	// The stopped check and the in-flight registration must be one atomic
	// step with respect to Stop, which closes the queues only after the
	// wait group drains.
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return AppendResult{Successful: false}, ErrBusClosed
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	defer b.wg.Done()

	responseCh := make(chan commandResult, 1)

	shard := b.selectShard(cmd.AggregateID())

	select {
	case b.queues[shard] <- queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result.Result, result.Err
		case <-ctx.Done():
			return AppendResult{Successful: false}, ctx.Err()
		}
	case <-ctx.Done():
		return AppendResult{Successful: false}, ctx.Err()
	}
}

// worker processes commands from a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	for cmd := range queue {
		cmdName := fmt.Sprintf("%T", cmd.Command)

		b.mu.RLock()
		h, exists := b.handlers[cmdName]
		b.mu.RUnlock()

		if !exists {
			cmd.ResponseCh <- commandResult{
				Result: AppendResult{Successful: false},
				Err:    fmt.Errorf("no handler for command %s", cmdName),
			}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.ResponseCh <- commandResult{
						Result: AppendResult{Successful: false},
						Err:    fmt.Errorf("panic in handler: %v", r),
					}
				}
			}()

			res, err := h(cmd.Ctx, cmd.Command)
			cmd.ResponseCh <- commandResult{Result: res, Err: err}
		}()
	}
}

func (b *CommandBus) selectShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32()) % b.shardCount
}

// Register adds a typed command handler to the bus. The command type name is
// derived from C, so no registration strings are needed. Registering a second
// handler for the same command type fails with ErrDuplicateHandler.
func Register[C Command](b *CommandBus, handler CommandHandler[C]) error {
	cmdName := fmt.Sprintf("%T", *new(C))
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[cmdName]; exists {
		return fmt.Errorf("command type %s: %w", cmdName, ErrDuplicateHandler)
	}

	b.handlers[cmdName] = func(ctx context.Context, cmd Command) (AppendResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return AppendResult{Successful: false}, fmt.Errorf("expected command type %s but got %T", cmdName, cmd)
		}
		return handler(ctx, c)
	}
	return nil
}

// Stop shuts down the bus: no new commands are accepted and all in-flight
// commands finish before Stop returns. Stopping twice is a no-op.
func (b *CommandBus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	for _, q := range b.queues {
		close(q)
	}
}
