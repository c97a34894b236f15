package governance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"govScope/internal/model"
	"govScope/internal/multiplex"
)

// Handle cancels one observation.
type Handle = multiplex.Handle[Key, any]

// Watcher observes balances, allowances and proposals through one shared
// multiplexer and feed.
type Watcher struct {
	mux *multiplex.Multiplexer[Key, any]
}

func NewWatcher(reader *Reader, feed multiplex.Feed, cfg multiplex.Config, logger *zap.Logger) *Watcher {
	return &Watcher{
		mux: multiplex.New[Key, any](NewLiveReader(reader), feed, Equal, cfg, logger),
	}
}

// Observe registers fn for any key with untyped updates.
func (w *Watcher) Observe(ctx context.Context, key Key, fn multiplex.Listener[any]) (*Handle, error) {
	return w.mux.Observe(ctx, key, fn)
}

func (w *Watcher) ObserveBalance(ctx context.Context, token, account common.Address, fn func(multiplex.Update[*big.Int])) (*Handle, error) {
	return w.mux.Observe(ctx, BalanceKey{Token: token, Account: account}, typed(fn))
}

func (w *Watcher) ObserveNativeBalance(ctx context.Context, account common.Address, fn func(multiplex.Update[*big.Int])) (*Handle, error) {
	return w.mux.Observe(ctx, NativeBalanceKey{Account: account}, typed(fn))
}

func (w *Watcher) ObserveAllowance(ctx context.Context, token, owner, spender common.Address, fn func(multiplex.Update[*big.Int])) (*Handle, error) {
	return w.mux.Observe(ctx, AllowanceKey{Token: token, Owner: owner, Spender: spender}, typed(fn))
}

func (w *Watcher) ObserveProposal(ctx context.Context, proposalID common.Hash, fn func(multiplex.Update[model.ProposalStatus])) (*Handle, error) {
	return w.mux.Observe(ctx, ProposalKey{ProposalID: proposalID}, typed(fn))
}

// Len returns the number of observed keys.
func (w *Watcher) Len() int {
	return w.mux.Len()
}

// Close stops the shared feed.
func (w *Watcher) Close() {
	w.mux.Close()
}

func typed[T any](fn func(multiplex.Update[T])) multiplex.Listener[any] {
	return func(update multiplex.Update[any]) {
		out := multiplex.Update[T]{Block: update.Block, Err: update.Err}
		if update.Err == nil {
			value, ok := update.Value.(T)
			if !ok {
				out.Err = fmt.Errorf("unexpected value type %T", update.Value)
			}
			out.Value = value
		}
		fn(out)
	}
}
