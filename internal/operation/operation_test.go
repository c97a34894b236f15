package operation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	hash     common.Hash
	sendErr  error
	awaitErr error
	receipt  *Receipt
	sent     chan Request
}

func (f *fakeSender) Send(_ context.Context, req Request) (common.Hash, error) {
	if f.sent != nil {
		f.sent <- req
	}
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	return f.hash, nil
}

func (f *fakeSender) Await(_ context.Context, hash common.Hash) (*Receipt, error) {
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	if f.receipt == nil {
		return &Receipt{TxHash: hash, Status: 1}, nil
	}
	return f.receipt, nil
}

// rpcRevert mimics the JSON-RPC error returned by eth_estimateGas on revert.
type rpcRevert struct {
	data string
}

func (e rpcRevert) Error() string          { return "execution reverted" }
func (e rpcRevert) ErrorCode() int         { return 3 }
func (e rpcRevert) ErrorData() interface{} { return e.data }

func encodeRevertReason(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	return hexutil.Encode(append(selector, packed...))
}

type stakeResult struct {
	Amount string
}

func decodeStake(e Event) (stakeResult, error) {
	amount, ok := e["_amount"]
	if !ok {
		return stakeResult{}, errors.New("missing amount")
	}
	return stakeResult{Amount: fmt.Sprint(amount)}, nil
}

func collect[T any](t *testing.T, op *Operation[T]) []State[T] {
	t.Helper()
	var states []State[T]
	timeout := time.After(2 * time.Second)
	for {
		select {
		case state, ok := <-op.States():
			if !ok {
				return states
			}
			states = append(states, state)
		case <-timeout:
			t.Fatalf("operation did not finish")
		}
	}
}

func statuses[T any](states []State[T]) []Status {
	out := make([]Status, 0, len(states))
	for _, s := range states {
		out = append(out, s.Status)
	}
	return out
}

func TestSubmitMined(t *testing.T) {
	hash := common.HexToHash("0x01")
	sender := &fakeSender{
		hash: hash,
		receipt: &Receipt{
			TxHash:      hash,
			BlockNumber: 12,
			Status:      1,
			Events:      map[string][]Event{"Stake": {{"_amount": "100"}}},
		},
	}
	p := NewPipeline(sender, zap.NewNop())

	op := Submit(context.Background(), p, Request{Name: "stake"}, RequireEvent("Stake", decodeStake), nil)
	require.Equal(t, StatusSending, op.Last().Status)

	states := collect(t, op)
	require.Equal(t, []Status{StatusSending, StatusSent, StatusMined}, statuses(states))
	require.Equal(t, hash, states[1].TxHash)
	require.Equal(t, stakeResult{Amount: "100"}, states[2].Result)

	result, err := op.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "100", result.Amount)
}

func TestSubmitRejectedBeforeExecution(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("nonce too low")}
	op := Submit(context.Background(), NewPipeline(sender, nil), Request{Name: "vote"}, RequireEvent("VoteProposal", decodeStake), nil)

	states := collect(t, op)
	require.Equal(t, []Status{StatusSending, StatusFailed}, statuses(states))

	var subErr *SubmissionError
	require.ErrorAs(t, states[1].Err, &subErr)
	_, reverted := AsRevert(states[1].Err)
	require.False(t, reverted)
}

func TestSubmitRevertIsClassified(t *testing.T) {
	sender := &fakeSender{sendErr: rpcRevert{data: encodeRevertReason(t, "staking failed")}}
	var seen *RevertedError
	classify := func(_ context.Context, r *RevertedError) error {
		seen = r
		return &RevertedError{Cause: CauseInsufficientBalance, Detail: "balance 1 < 5", Err: r.Err}
	}

	op := Submit(context.Background(), NewPipeline(sender, nil), Request{Name: "stake"}, RequireEvent("Stake", decodeStake), classify)
	_, err := op.Wait(context.Background())

	var reverted *RevertedError
	require.ErrorAs(t, err, &reverted)
	require.Equal(t, CauseInsufficientBalance, reverted.Cause)
	require.Equal(t, "insufficient_balance: balance 1 < 5", err.Error())
	require.NotNil(t, seen)
	require.Equal(t, "staking failed", seen.Reason)
	require.Equal(t, []Status{StatusSending, StatusFailed}, statuses(op.History()))
}

func TestFailedReceiptSurfacesRawRevert(t *testing.T) {
	raw := fmt.Errorf("tx 0x02: %w", ErrReverted)
	sender := &fakeSender{hash: common.HexToHash("0x02"), awaitErr: raw}

	op := Submit[struct{}](context.Background(), NewPipeline(sender, nil), Request{Name: "execute"}, nil, func(context.Context, *RevertedError) error {
		return nil
	})
	states := collect(t, op)
	require.Equal(t, []Status{StatusSending, StatusSent, StatusFailed}, statuses(states))

	last := states[2]
	require.ErrorIs(t, last.Err, ErrReverted)
	require.Equal(t, raw.Error(), last.Err.Error())
	reverted, ok := AsRevert(last.Err)
	require.True(t, ok)
	require.Equal(t, CauseUnknown, reverted.Cause)
}

func TestClassifierPanicFallsBackToRaw(t *testing.T) {
	sender := &fakeSender{sendErr: rpcRevert{}}
	op := Submit(context.Background(), NewPipeline(sender, nil), Request{Name: "stake"}, RequireEvent("Stake", decodeStake), func(context.Context, *RevertedError) error {
		panic("boom")
	})
	_, err := op.Wait(context.Background())
	reverted, ok := AsRevert(err)
	require.True(t, ok)
	require.Equal(t, CauseUnknown, reverted.Cause)
}

func TestMissingMarker(t *testing.T) {
	hash := common.HexToHash("0x03")
	sender := &fakeSender{hash: hash}
	p := NewPipeline(sender, nil)

	required := Submit(context.Background(), p, Request{Name: "stake"}, RequireEvent("Stake", decodeStake), nil)
	_, err := required.Wait(context.Background())
	var missing *MissingMarkerError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "Stake", missing.Event)
	require.Equal(t, hash, missing.TxHash)
	require.Equal(t, []Status{StatusSending, StatusSent, StatusFailed}, statuses(required.History()))

	optional := Submit(context.Background(), p, Request{Name: "execute"}, OptionalEvent("ExecuteProposal", decodeStake), nil)
	result, err := optional.Wait(context.Background())
	require.NoError(t, err)
	require.Nil(t, result)
	require.Equal(t, StatusMined, optional.Last().Status)
}

func TestMapperPanicFails(t *testing.T) {
	hash := common.HexToHash("0x05")
	sender := &fakeSender{hash: hash}
	var mapper Mapper[int] = func(*Receipt) (int, error) { panic("bad event layout") }

	op := Submit(context.Background(), NewPipeline(sender, nil), Request{Name: "stake"}, mapper, nil)
	_, err := op.Wait(context.Background())
	require.ErrorContains(t, err, "mapper panicked")
	require.Equal(t, StatusFailed, op.Last().Status)
	require.Equal(t, hash, op.Last().TxHash)
}

func TestRequireEventNilReceipt(t *testing.T) {
	_, err := RequireEvent("Stake", decodeStake)(nil)
	var missing *MissingMarkerError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, common.Hash{}, missing.TxHash)
}

func TestOperationDoesNotWaitForReaders(t *testing.T) {
	sender := &fakeSender{hash: common.HexToHash("0x04")}
	op := Submit[struct{}](context.Background(), NewPipeline(sender, nil), Request{Name: "noop"}, nil, nil)

	select {
	case <-op.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("operation blocked on an unread state channel")
	}
	require.Equal(t, StatusMined, op.Last().Status)
}

func TestAdvanceRefusesBackwardStates(t *testing.T) {
	op := newOperation[int]("test")
	require.True(t, op.advance(State[int]{Status: StatusSending}))
	require.True(t, op.advance(State[int]{Status: StatusSent}))
	require.False(t, op.advance(State[int]{Status: StatusSending}))
	require.False(t, op.advance(State[int]{Status: StatusSent}))
	require.True(t, op.advance(State[int]{Status: StatusFailed}))
	require.False(t, op.advance(State[int]{Status: StatusMined}))

	require.Equal(t, []Status{StatusSending, StatusSent, StatusFailed}, statuses(op.History()))
}

func TestClassifyPrecedence(t *testing.T) {
	calls := make([]string, 0)
	check := func(name string, cause Cause, hit bool, err error) Check {
		return Check{Name: name, Cause: cause, Test: func(context.Context) (bool, string, error) {
			calls = append(calls, name)
			return hit, name + " applies", err
		}}
	}
	raw := &RevertedError{Err: ErrReverted}

	classify := Classify(nil,
		check("exists", CauseNotFound, true, nil),
		check("finalized", CauseAlreadyFinalized, true, nil),
		check("balance", CauseInsufficientBalance, true, nil),
	)
	err := classify(context.Background(), raw)
	reverted, ok := AsRevert(err)
	require.True(t, ok)
	require.Equal(t, CauseNotFound, reverted.Cause)
	require.Equal(t, []string{"exists"}, calls)

	calls = calls[:0]
	classify = Classify(nil,
		check("exists", CauseNotFound, false, nil),
		check("finalized", CauseAlreadyFinalized, false, errors.New("rpc down")),
		check("balance", CauseInsufficientBalance, true, nil),
	)
	require.Same(t, raw, classify(context.Background(), raw))
	require.Equal(t, []string{"exists", "finalized"}, calls)

	calls = calls[:0]
	classify = Classify(nil, check("exists", CauseNotFound, false, nil))
	require.Same(t, raw, classify(context.Background(), raw))
}
