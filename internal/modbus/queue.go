package modbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandKind distinguishes the two write operations a PendingCommand
// can carry (§3 PendingCommand, §4.C function-code policy).
type CommandKind int

const (
	SetCoil CommandKind = iota
	SetRegister
)

// PendingCommand is one queued write, identified by its target register.
type PendingCommand struct {
	Unit        byte
	Address     uint16
	Kind        CommandKind
	CoilValue   bool
	RegValue    uint16
	Deadline    time.Time
	SubmittedAt time.Time

	// CorrelationID ties a command to the log lines and completion
	// handle covering its round trip from submit to write or timeout;
	// assigned once in Submit, never by the caller.
	CorrelationID string
}

func (c PendingCommand) key() cmdKey { return cmdKey{unit: c.Unit, address: c.Address} }

type cmdKey struct {
	unit    byte
	address uint16
}

// Completion is returned by Submit. It resolves once the write has
// actually reached the transport (or failed permanently); the MQTT
// state publish that reflects it arrives separately, on the next
// scan-driven read (§5 Ordering guarantees).
type Completion struct {
	done chan error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan error, 1)}
}

// Wait blocks until the command completes and returns its result.
func (c *Completion) Wait() error {
	return <-c.done
}

func (c *Completion) resolve(err error) {
	c.done <- err
	close(c.done)
}

type queuedCommand struct {
	cmd        PendingCommand
	completion *Completion
}

// CommandQueue is the per-transport FIFO described in §4.E. It is safe
// for concurrent use by MQTT handlers (producers) and exactly one Scan
// Loop (the sole consumer for its transport).
type CommandQueue struct {
	mu       sync.Mutex
	order    []cmdKey
	pending  map[cmdKey]*queuedCommand
	inFlight map[cmdKey]bool
}

// NewCommandQueue creates an empty queue for one transport.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		pending:  make(map[cmdKey]*queuedCommand),
		inFlight: make(map[cmdKey]bool),
	}
}

// Submit enqueues a command, non-blocking. If a command for the same
// (unit, address) is already queued and not yet in flight, its value
// is replaced in place — newest wins — and its original FIFO position
// is kept. If one is in flight, a new entry is appended behind it.
func (q *CommandQueue) Submit(cmd PendingCommand) *Completion {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd.CorrelationID = uuid.NewString()
	key := cmd.key()
	completion := newCompletion()

	// Pop removes a command from pending before marking it in flight, so
	// an entry found here is always still queued, never in flight.
	if existing, ok := q.pending[key]; ok {
		existing.cmd = cmd
		existing.completion.resolve(errSuperseded{})
		existing.completion = completion
		return completion
	}

	q.pending[key] = &queuedCommand{cmd: cmd, completion: completion}
	q.order = append(q.order, key)
	return completion
}

// errSuperseded resolves a coalesced command's stale completion handle
// so a caller awaiting it is never left blocked forever.
type errSuperseded struct{}

func (errSuperseded) Error() string { return "command superseded by a newer write to the same address" }

// Len returns the number of commands currently queued. A command already
// popped and in flight is not counted.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// DeadlinePassed reports whether the oldest queued command has a
// deadline that has already elapsed, per §4.D step 4 ("or immediately
// if its deadline has passed").
func (q *CommandQueue) DeadlinePassed(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return false
	}
	head, ok := q.pending[q.order[0]]
	if !ok || head.cmd.Deadline.IsZero() {
		return false
	}
	return now.After(head.cmd.Deadline)
}

// Pop removes and returns the oldest queued command, marking its key
// in flight so a concurrent Submit for the same address starts a new
// entry instead of coalescing into the one already being written.
func (q *CommandQueue) Pop() (PendingCommand, *Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		key := q.order[0]
		q.order = q.order[1:]

		qc, ok := q.pending[key]
		if !ok {
			continue
		}
		delete(q.pending, key)
		q.inFlight[key] = true
		return qc.cmd, qc.completion, true
	}

	return PendingCommand{}, nil, false
}

// Complete resolves a popped command's completion handle and clears
// its in-flight marker, allowing future submits for that address to
// coalesce again.
func (q *CommandQueue) Complete(cmd PendingCommand, completion *Completion, err error) {
	q.mu.Lock()
	delete(q.inFlight, cmd.key())
	q.mu.Unlock()

	completion.resolve(err)
}
