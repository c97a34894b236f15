package governance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"govScope/internal/chain"
	"govScope/internal/model"
	"govScope/internal/operation"
)

// Caller is the read endpoint. chain.Client implements it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ReaderConfig controls the voting machine address and read retries.
type ReaderConfig struct {
	VotingMachine common.Address
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Reader performs typed reads against the voting machine and ERC20 tokens.
type Reader struct {
	caller        Caller
	votingMachine common.Address
	maxRetries    int
	backoff       time.Duration
	logger        *zap.Logger
}

// ProposalParams is the subset of the proposal record needed to derive its
// promotion threshold.
type ProposalParams struct {
	OrganizationID      common.Hash
	ParamsHash          common.Hash
	Proposer            common.Address
	Stage               model.ProposalStage
	WinningVote         *big.Int
	TotalStakes         *big.Int
	ConfidenceThreshold *big.Int
}

// Stakes are the per-side stake totals of a proposal.
type Stakes struct {
	For     *big.Int
	Against *big.Int
}

func NewReader(caller Caller, cfg ReaderConfig, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		caller:        caller,
		votingMachine: cfg.VotingMachine,
		maxRetries:    cfg.MaxRetries,
		backoff:       cfg.RetryBackoff,
		logger:        logger,
	}
}

// VotingMachine returns the configured voting machine address.
func (r *Reader) VotingMachine() common.Address {
	return r.votingMachine
}

// ProposalStage reads the proposal's state enum.
func (r *Reader) ProposalStage(ctx context.Context, proposalID common.Hash) (model.ProposalStage, error) {
	parsed, err := VotingMachineABI()
	if err != nil {
		return model.StageNone, fmt.Errorf("parse voting machine abi: %w", err)
	}
	values, err := r.call(ctx, r.votingMachine, parsed, "state", [32]byte(proposalID))
	if err != nil {
		return model.StageNone, err
	}
	stage, err := asStage(values[0])
	if err != nil {
		return model.StageNone, fmt.Errorf("state: %w", err)
	}
	return stage, nil
}

// ProposalStakes reads the stake totals on both sides.
func (r *Reader) ProposalStakes(ctx context.Context, proposalID common.Hash) (Stakes, error) {
	parsed, err := VotingMachineABI()
	if err != nil {
		return Stakes{}, fmt.Errorf("parse voting machine abi: %w", err)
	}
	values, err := r.call(ctx, r.votingMachine, parsed, "getProposalStatus", [32]byte(proposalID))
	if err != nil {
		return Stakes{}, err
	}
	if len(values) < 4 {
		return Stakes{}, fmt.Errorf("getProposalStatus: expected 4 values, got %d", len(values))
	}
	stakesFor, err := asBigInt(values[2])
	if err != nil {
		return Stakes{}, fmt.Errorf("stakes for: %w", err)
	}
	stakesAgainst, err := asBigInt(values[3])
	if err != nil {
		return Stakes{}, fmt.Errorf("stakes against: %w", err)
	}
	return Stakes{For: stakesFor, Against: stakesAgainst}, nil
}

// ProposalParams reads the proposal record.
func (r *Reader) ProposalParams(ctx context.Context, proposalID common.Hash) (ProposalParams, error) {
	parsed, err := VotingMachineABI()
	if err != nil {
		return ProposalParams{}, fmt.Errorf("parse voting machine abi: %w", err)
	}
	values, err := r.call(ctx, r.votingMachine, parsed, "proposals", [32]byte(proposalID))
	if err != nil {
		return ProposalParams{}, err
	}
	if len(values) < 12 {
		return ProposalParams{}, fmt.Errorf("proposals: expected 12 values, got %d", len(values))
	}

	var out ProposalParams
	if out.OrganizationID, err = asHash(values[0]); err != nil {
		return ProposalParams{}, fmt.Errorf("organization id: %w", err)
	}
	if out.Stage, err = asStage(values[2]); err != nil {
		return ProposalParams{}, fmt.Errorf("state: %w", err)
	}
	if out.WinningVote, err = asBigInt(values[3]); err != nil {
		return ProposalParams{}, fmt.Errorf("winning vote: %w", err)
	}
	if out.Proposer, err = asAddress(values[4]); err != nil {
		return ProposalParams{}, fmt.Errorf("proposer: %w", err)
	}
	if out.ParamsHash, err = asHash(values[6]); err != nil {
		return ProposalParams{}, fmt.Errorf("params hash: %w", err)
	}
	if out.TotalStakes, err = asBigInt(values[9]); err != nil {
		return ProposalParams{}, fmt.Errorf("total stakes: %w", err)
	}
	if out.ConfidenceThreshold, err = asBigInt(values[10]); err != nil {
		return ProposalParams{}, fmt.Errorf("confidence threshold: %w", err)
	}
	return out, nil
}

// Threshold reads the fixed-point promotion threshold for an organization's
// parameter set.
func (r *Reader) Threshold(ctx context.Context, paramsHash, organizationID common.Hash) (*big.Int, error) {
	parsed, err := VotingMachineABI()
	if err != nil {
		return nil, fmt.Errorf("parse voting machine abi: %w", err)
	}
	values, err := r.call(ctx, r.votingMachine, parsed, "threshold", [32]byte(paramsHash), [32]byte(organizationID))
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// ProposalStatus composes stage, stakes and threshold. Unknown proposals
// report StageNone with zero stakes and threshold.
func (r *Reader) ProposalStatus(ctx context.Context, proposalID common.Hash) (model.ProposalStatus, error) {
	stage, err := r.ProposalStage(ctx, proposalID)
	if err != nil {
		return model.ProposalStatus{}, err
	}
	status := model.ProposalStatus{
		Stage:         stage,
		StakesFor:     new(big.Int),
		StakesAgainst: new(big.Int),
		Threshold:     new(big.Int),
	}
	if !stage.Exists() {
		return status, nil
	}

	stakes, err := r.ProposalStakes(ctx, proposalID)
	if err != nil {
		return model.ProposalStatus{}, err
	}
	status.StakesFor = stakes.For
	status.StakesAgainst = stakes.Against

	params, err := r.ProposalParams(ctx, proposalID)
	if err != nil {
		return model.ProposalStatus{}, err
	}
	threshold, err := r.Threshold(ctx, params.ParamsHash, params.OrganizationID)
	if err != nil {
		return model.ProposalStatus{}, err
	}
	status.Threshold = threshold
	return status, nil
}

// BalanceOf reads an ERC20 balance.
func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := r.call(ctx, token, parsed, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Allowance reads an ERC20 allowance.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := r.call(ctx, token, parsed, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// NativeBalance reads the account's native coin balance.
func (r *Reader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := chain.Retry(ctx, r.maxRetries, r.backoff, func(ctx context.Context) error {
		var err error
		balance, err = r.caller.BalanceAt(ctx, account, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account.Hex(), err)
	}
	return balance, nil
}

func (r *Reader) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if r.caller == nil {
		return nil, fmt.Errorf("caller is nil")
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}

	var resp []byte
	attempt := 0
	err = chain.Retry(ctx, r.maxRetries, r.backoff, func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = r.caller.CallContract(ctx, msg, nil)
		if err == nil {
			return nil
		}
		r.logger.Debug("contract call failed", zap.String("to", to.Hex()), zap.String("method", method), zap.Int("attempt", attempt), zap.Error(err))
		if _, reverted := operation.AsRevert(err); reverted {
			return chain.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: no values", method)
	}
	return values, nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asHash(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case [32]byte:
		return common.Hash(v), nil
	case common.Hash:
		return v, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported bytes32 type %T", value)
	}
}

func asStage(value interface{}) (model.ProposalStage, error) {
	raw, ok := value.(uint8)
	if !ok {
		return model.StageNone, fmt.Errorf("unsupported stage type %T", value)
	}
	stage := model.ProposalStage(raw)
	if stage > model.StageQuietEndingPeriod {
		return model.StageNone, fmt.Errorf("unknown stage %d", raw)
	}
	return stage, nil
}
