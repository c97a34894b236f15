package governance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"govScope/internal/model"
)

// Key identifies one observable on-chain value. Values read for a key are
// *big.Int for balances and allowances and model.ProposalStatus for proposals.
type Key interface {
	Kind() string
	String() string
	isKey()
}

// BalanceKey is an ERC20 balance.
type BalanceKey struct {
	Token   common.Address
	Account common.Address
}

// NativeBalanceKey is a native coin balance.
type NativeBalanceKey struct {
	Account common.Address
}

// AllowanceKey is an ERC20 allowance granted by Owner to Spender.
type AllowanceKey struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
}

// ProposalKey is the stake-related status of a proposal.
type ProposalKey struct {
	ProposalID common.Hash
}

func (BalanceKey) Kind() string       { return "balance" }
func (NativeBalanceKey) Kind() string { return "native_balance" }
func (AllowanceKey) Kind() string     { return "allowance" }
func (ProposalKey) Kind() string      { return "proposal" }

func (k BalanceKey) String() string {
	return fmt.Sprintf("balance:%s:%s", k.Token.Hex(), k.Account.Hex())
}

func (k NativeBalanceKey) String() string {
	return fmt.Sprintf("native_balance:%s", k.Account.Hex())
}

func (k AllowanceKey) String() string {
	return fmt.Sprintf("allowance:%s:%s:%s", k.Token.Hex(), k.Owner.Hex(), k.Spender.Hex())
}

func (k ProposalKey) String() string {
	return fmt.Sprintf("proposal:%s", k.ProposalID.Hex())
}

func (BalanceKey) isKey()       {}
func (NativeBalanceKey) isKey() {}
func (AllowanceKey) isKey()     {}
func (ProposalKey) isKey()      {}

// LiveReader reads the current value behind any Key.
type LiveReader struct {
	reader *Reader
}

func NewLiveReader(reader *Reader) *LiveReader {
	return &LiveReader{reader: reader}
}

func (l *LiveReader) Read(ctx context.Context, key Key) (any, error) {
	switch k := key.(type) {
	case BalanceKey:
		return l.reader.BalanceOf(ctx, k.Token, k.Account)
	case NativeBalanceKey:
		return l.reader.NativeBalance(ctx, k.Account)
	case AllowanceKey:
		return l.reader.Allowance(ctx, k.Token, k.Owner, k.Spender)
	case ProposalKey:
		return l.reader.ProposalStatus(ctx, k.ProposalID)
	default:
		return nil, fmt.Errorf("unsupported key %T", key)
	}
}

// Equal compares two values read for the same key.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case *big.Int:
		bv, ok := b.(*big.Int)
		if !ok {
			return false
		}
		if av == nil || bv == nil {
			return av == nil && bv == nil
		}
		return av.Cmp(bv) == 0
	case model.ProposalStatus:
		bv, ok := b.(model.ProposalStatus)
		return ok && av.Equal(bv)
	default:
		return a == nil && b == nil
	}
}

// FormatValue renders a value read for a key for logs and the journal.
func FormatValue(value any) string {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return ""
		}
		return v.String()
	case model.ProposalStatus:
		return fmt.Sprintf("stage=%s for=%s against=%s threshold=%s", v.Stage, bigString(v.StakesFor), bigString(v.StakesAgainst), bigString(v.Threshold))
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
