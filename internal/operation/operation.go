package operation

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Status is a stage of an operation's lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusSending
	StatusSent
	StatusMined
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusMined:
		return "mined"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further state can follow.
func (s Status) Terminal() bool {
	return s == StatusMined || s == StatusFailed
}

// State is one snapshot of an operation's timeline.
type State[T any] struct {
	Status Status
	TxHash common.Hash
	Result T
	Err    error
	At     time.Time
}

// Request describes a contract call to submit.
type Request struct {
	Name   string
	To     common.Address
	ABI    abi.ABI
	Method string
	Args   []interface{}
	Value  *big.Int
}

// Event holds the decoded fields of one emitted event, indexed and not.
type Event map[string]interface{}

// Receipt is the confirmed execution result of a request.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
	Events      map[string][]Event
}

// Event returns the first event with the given name.
func (r *Receipt) Event(name string) (Event, bool) {
	if r == nil {
		return nil, false
	}
	events := r.Events[name]
	if len(events) == 0 {
		return nil, false
	}
	return events[0], true
}

// Sender is the write endpoint.
type Sender interface {
	// Send submits the request and returns once the endpoint accepted it.
	Send(ctx context.Context, req Request) (common.Hash, error)
	// Await blocks until the transaction is final. A failed execution is
	// reported as an error wrapping ErrReverted.
	Await(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// Mapper turns a confirmed receipt into a typed result.
type Mapper[T any] func(*Receipt) (T, error)

// Pipeline drives write requests through their lifecycle.
type Pipeline struct {
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

// NewPipeline builds a Pipeline around the write endpoint.
func NewPipeline(sender Sender, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{sender: sender, logger: logger, now: time.Now}
}

// Operation is the timeline of one submitted request.
type Operation[T any] struct {
	name    string
	states  chan State[T]
	done    chan struct{}
	mu      sync.Mutex
	history []State[T]
}

func newOperation[T any](name string) *Operation[T] {
	return &Operation[T]{
		name:   name,
		states: make(chan State[T], 3),
		done:   make(chan struct{}),
	}
}

// States yields every state in order and is closed after the terminal one.
// Not reading it never stalls the operation.
func (o *Operation[T]) States() <-chan State[T] {
	return o.states
}

// Done is closed once a terminal state is reached.
func (o *Operation[T]) Done() <-chan struct{} {
	return o.done
}

// History returns the states emitted so far.
func (o *Operation[T]) History() []State[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State[T](nil), o.history...)
}

// Last returns the latest state, Idle before anything was emitted.
func (o *Operation[T]) Last() State[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return State[T]{Status: StatusIdle}
	}
	return o.history[len(o.history)-1]
}

// Wait blocks until the operation is terminal and returns its outcome.
func (o *Operation[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	last := o.Last()
	return last.Result, last.Err
}

// advance appends next if it moves the timeline forward. Backward or
// repeated states are refused.
func (o *Operation[T]) advance(next State[T]) bool {
	o.mu.Lock()
	current := StatusIdle
	if len(o.history) > 0 {
		current = o.history[len(o.history)-1].Status
	}
	if current.Terminal() || next.Status <= current {
		o.mu.Unlock()
		return false
	}
	o.history = append(o.history, next)
	o.mu.Unlock()

	o.states <- next
	if next.Status.Terminal() {
		close(o.states)
		close(o.done)
	}
	return true
}

// Submit starts req and returns its operation. Sending is emitted before
// Submit returns; the remaining states follow asynchronously. classify may be
// nil, in which case reverts are surfaced unchanged.
func Submit[T any](ctx context.Context, p *Pipeline, req Request, mapper Mapper[T], classify Classifier) *Operation[T] {
	op := newOperation[T](req.Name)
	op.advance(State[T]{Status: StatusSending, At: p.now()})
	p.logger.Debug("operation sending", zap.String("op", req.Name), zap.String("to", req.To.Hex()), zap.String("method", req.Method))

	go run(ctx, p, op, req, mapper, classify)
	return op
}

func run[T any](ctx context.Context, p *Pipeline, op *Operation[T], req Request, mapper Mapper[T], classify Classifier) {
	logger := p.logger.With(zap.String("op", req.Name))

	hash, err := p.sender.Send(ctx, req)
	if err != nil {
		fail(p, op, common.Hash{}, p.resolve(ctx, logger, err, classify, true))
		return
	}
	op.advance(State[T]{Status: StatusSent, TxHash: hash, At: p.now()})
	logger.Info("operation sent", zap.String("tx", hash.Hex()))

	receipt, err := p.sender.Await(ctx, hash)
	if err != nil {
		fail(p, op, hash, p.resolve(ctx, logger, err, classify, false))
		return
	}

	if mapper == nil {
		mapper = func(*Receipt) (T, error) {
			var zero T
			return zero, nil
		}
	}
	if receipt == nil {
		fail(p, op, hash, fmt.Errorf("await %s: no receipt", hash.Hex()))
		return
	}
	result, err := safeMap(logger, mapper, receipt)
	if err != nil {
		fail(p, op, hash, err)
		return
	}
	op.advance(State[T]{Status: StatusMined, TxHash: hash, Result: result, At: p.now()})
	logger.Info("operation mined", zap.String("tx", hash.Hex()), zap.Uint64("block", receipt.BlockNumber), zap.Uint64("gas_used", receipt.GasUsed))
}

func fail[T any](p *Pipeline, op *Operation[T], hash common.Hash, err error) {
	op.advance(State[T]{Status: StatusFailed, TxHash: hash, Err: err, At: p.now()})
	p.logger.Warn("operation failed", zap.String("op", op.name), zap.String("tx", hash.Hex()), zap.Error(err))
}

// resolve turns a raw endpoint failure into the error surfaced by the
// operation. Reverts go through classify; other failures while submitting are
// submission errors, other failures while awaiting are returned wrapped.
func (p *Pipeline) resolve(ctx context.Context, logger *zap.Logger, err error, classify Classifier, submitting bool) error {
	reverted, ok := AsRevert(err)
	if !ok {
		if !submitting {
			return fmt.Errorf("await receipt: %w", err)
		}
		if ctx.Err() != nil {
			return err
		}
		return &SubmissionError{Err: err}
	}
	if classify == nil {
		return reverted
	}
	return safeClassify(ctx, logger, classify, reverted)
}

func safeMap[T any](logger *zap.Logger, mapper Mapper[T], receipt *Receipt) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("result mapper panicked", zap.Any("panic", r))
			var zero T
			result, err = zero, fmt.Errorf("map receipt %s: mapper panicked: %v", receipt.TxHash.Hex(), r)
		}
	}()
	return mapper(receipt)
}

func safeClassify(ctx context.Context, logger *zap.Logger, classify Classifier, reverted *RevertedError) (out error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("classifier panicked", zap.Any("panic", r))
			out = reverted
		}
	}()
	classified := classify(ctx, reverted)
	if classified == nil {
		return reverted
	}
	return classified
}
