package governance

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"govScope/internal/operation"
)

// Vote options of the voting machine.
const (
	VoteFor     uint64 = 1
	VoteAgainst uint64 = 2
)

// StakeResult is decoded from the Stake event.
type StakeResult struct {
	ProposalID common.Hash
	Staker     common.Address
	Vote       *big.Int
	Amount     *big.Int
}

// VoteResult is decoded from the VoteProposal event.
type VoteResult struct {
	ProposalID common.Hash
	Voter      common.Address
	Vote       *big.Int
	Reputation *big.Int
}

// ExecuteResult is decoded from the ExecuteProposal event.
type ExecuteResult struct {
	ProposalID      common.Hash
	Decision        *big.Int
	TotalReputation *big.Int
}

// ApproveResult is decoded from the Approval event.
type ApproveResult struct {
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

func validateVote(vote uint64) error {
	if vote != VoteFor && vote != VoteAgainst {
		return fmt.Errorf("invalid vote option %d", vote)
	}
	return nil
}

// StakeRequest stakes amount tokens on the given side of a proposal.
func StakeRequest(votingMachine common.Address, proposalID common.Hash, vote uint64, amount *big.Int) (operation.Request, error) {
	if err := validateVote(vote); err != nil {
		return operation.Request{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return operation.Request{}, fmt.Errorf("stake amount must be positive")
	}
	parsed, err := VotingMachineABI()
	if err != nil {
		return operation.Request{}, fmt.Errorf("parse voting machine abi: %w", err)
	}
	return operation.Request{
		Name:   "stake",
		To:     votingMachine,
		ABI:    parsed,
		Method: "stake",
		Args:   []interface{}{[32]byte(proposalID), new(big.Int).SetUint64(vote), new(big.Int).Set(amount)},
	}, nil
}

// VoteRequest votes on a proposal. A zero reputation votes with the full
// reputation of voter.
func VoteRequest(votingMachine common.Address, proposalID common.Hash, vote uint64, reputation *big.Int, voter common.Address) (operation.Request, error) {
	if err := validateVote(vote); err != nil {
		return operation.Request{}, err
	}
	if reputation == nil {
		reputation = new(big.Int)
	}
	if reputation.Sign() < 0 {
		return operation.Request{}, fmt.Errorf("reputation must not be negative")
	}
	parsed, err := VotingMachineABI()
	if err != nil {
		return operation.Request{}, fmt.Errorf("parse voting machine abi: %w", err)
	}
	return operation.Request{
		Name:   "vote",
		To:     votingMachine,
		ABI:    parsed,
		Method: "vote",
		Args:   []interface{}{[32]byte(proposalID), new(big.Int).SetUint64(vote), new(big.Int).Set(reputation), voter},
	}, nil
}

// ExecuteRequest executes a proposal whose voting has concluded.
func ExecuteRequest(votingMachine common.Address, proposalID common.Hash) (operation.Request, error) {
	parsed, err := VotingMachineABI()
	if err != nil {
		return operation.Request{}, fmt.Errorf("parse voting machine abi: %w", err)
	}
	return operation.Request{
		Name:   "execute",
		To:     votingMachine,
		ABI:    parsed,
		Method: "execute",
		Args:   []interface{}{[32]byte(proposalID)},
	}, nil
}

// ApproveRequest sets the spender's allowance on token.
func ApproveRequest(token, spender common.Address, amount *big.Int) (operation.Request, error) {
	if amount == nil || amount.Sign() < 0 {
		return operation.Request{}, fmt.Errorf("approve amount must not be negative")
	}
	parsed, err := ERC20ABI()
	if err != nil {
		return operation.Request{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return operation.Request{
		Name:   "approve",
		To:     token,
		ABI:    parsed,
		Method: "approve",
		Args:   []interface{}{spender, new(big.Int).Set(amount)},
	}, nil
}

// StakeMapper requires the Stake event.
func StakeMapper() operation.Mapper[StakeResult] {
	return operation.RequireEvent("Stake", func(e operation.Event) (StakeResult, error) {
		var out StakeResult
		var err error
		if out.ProposalID, err = eventHash(e, "_proposalId"); err != nil {
			return StakeResult{}, err
		}
		if out.Staker, err = eventAddress(e, "_staker"); err != nil {
			return StakeResult{}, err
		}
		if out.Vote, err = eventBig(e, "_vote"); err != nil {
			return StakeResult{}, err
		}
		if out.Amount, err = eventBig(e, "_amount"); err != nil {
			return StakeResult{}, err
		}
		return out, nil
	})
}

// VoteMapper requires the VoteProposal event.
func VoteMapper() operation.Mapper[VoteResult] {
	return operation.RequireEvent("VoteProposal", func(e operation.Event) (VoteResult, error) {
		var out VoteResult
		var err error
		if out.ProposalID, err = eventHash(e, "_proposalId"); err != nil {
			return VoteResult{}, err
		}
		if out.Voter, err = eventAddress(e, "_voter"); err != nil {
			return VoteResult{}, err
		}
		if out.Vote, err = eventBig(e, "_vote"); err != nil {
			return VoteResult{}, err
		}
		if out.Reputation, err = eventBig(e, "_reputation"); err != nil {
			return VoteResult{}, err
		}
		return out, nil
	})
}

// ExecuteMapper yields nil when the proposal was not ready and nothing was
// executed.
func ExecuteMapper() operation.Mapper[*ExecuteResult] {
	return operation.OptionalEvent("ExecuteProposal", func(e operation.Event) (ExecuteResult, error) {
		var out ExecuteResult
		var err error
		if out.ProposalID, err = eventHash(e, "_proposalId"); err != nil {
			return ExecuteResult{}, err
		}
		if out.Decision, err = eventBig(e, "_decision"); err != nil {
			return ExecuteResult{}, err
		}
		if out.TotalReputation, err = eventBig(e, "_totalReputation"); err != nil {
			return ExecuteResult{}, err
		}
		return out, nil
	})
}

// ApproveMapper requires the Approval event.
func ApproveMapper() operation.Mapper[ApproveResult] {
	return operation.RequireEvent("Approval", func(e operation.Event) (ApproveResult, error) {
		var out ApproveResult
		var err error
		if out.Owner, err = eventAddress(e, "owner"); err != nil {
			return ApproveResult{}, err
		}
		if out.Spender, err = eventAddress(e, "spender"); err != nil {
			return ApproveResult{}, err
		}
		if out.Value, err = eventBig(e, "value"); err != nil {
			return ApproveResult{}, err
		}
		return out, nil
	})
}

func eventHash(e operation.Event, field string) (common.Hash, error) {
	value, ok := e[field]
	if !ok {
		return common.Hash{}, fmt.Errorf("missing field %s", field)
	}
	out, err := asHash(value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", field, err)
	}
	return out, nil
}

func eventAddress(e operation.Event, field string) (common.Address, error) {
	value, ok := e[field]
	if !ok {
		return common.Address{}, fmt.Errorf("missing field %s", field)
	}
	out, err := asAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return out, nil
}

func eventBig(e operation.Event, field string) (*big.Int, error) {
	value, ok := e[field]
	if !ok {
		return nil, fmt.Errorf("missing field %s", field)
	}
	out, err := asBigInt(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return out, nil
}
