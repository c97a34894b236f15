package governance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"govScope/internal/operation"
)

func proposalExists(reader *Reader, proposalID common.Hash) operation.Check {
	return operation.Check{
		Name:  "proposal_exists",
		Cause: operation.CauseNotFound,
		Test: func(ctx context.Context) (bool, string, error) {
			stage, err := reader.ProposalStage(ctx, proposalID)
			if err != nil {
				return false, "", err
			}
			if stage.Exists() {
				return false, "", nil
			}
			return true, fmt.Sprintf("proposal %s does not exist", proposalID.Hex()), nil
		},
	}
}

func proposalOpen(reader *Reader, proposalID common.Hash) operation.Check {
	return operation.Check{
		Name:  "proposal_open",
		Cause: operation.CauseAlreadyFinalized,
		Test: func(ctx context.Context) (bool, string, error) {
			stage, err := reader.ProposalStage(ctx, proposalID)
			if err != nil {
				return false, "", err
			}
			if !stage.Finalized() {
				return false, "", nil
			}
			return true, fmt.Sprintf("proposal %s is %s", proposalID.Hex(), stage), nil
		},
	}
}

func enoughBalance(reader *Reader, token, account common.Address, amount *big.Int) operation.Check {
	return operation.Check{
		Name:  "token_balance",
		Cause: operation.CauseInsufficientBalance,
		Test: func(ctx context.Context) (bool, string, error) {
			balance, err := reader.BalanceOf(ctx, token, account)
			if err != nil {
				return false, "", err
			}
			if balance.Cmp(amount) >= 0 {
				return false, "", nil
			}
			return true, fmt.Sprintf("balance %s is below %s", balance, amount), nil
		},
	}
}

func enoughAllowance(reader *Reader, token, owner, spender common.Address, amount *big.Int) operation.Check {
	return operation.Check{
		Name:  "token_allowance",
		Cause: operation.CauseInsufficientAllowance,
		Test: func(ctx context.Context) (bool, string, error) {
			allowance, err := reader.Allowance(ctx, token, owner, spender)
			if err != nil {
				return false, "", err
			}
			if allowance.Cmp(amount) >= 0 {
				return false, "", nil
			}
			return true, fmt.Sprintf("allowance %s for %s is below %s", allowance, spender.Hex(), amount), nil
		},
	}
}

// StakeClassifier explains a reverted stake. Checks run from the most to the
// least fundamental cause.
func StakeClassifier(reader *Reader, token, staker common.Address, proposalID common.Hash, amount *big.Int, logger *zap.Logger) operation.Classifier {
	return operation.Classify(logger,
		proposalExists(reader, proposalID),
		proposalOpen(reader, proposalID),
		enoughBalance(reader, token, staker, amount),
		enoughAllowance(reader, token, staker, reader.VotingMachine(), amount),
	)
}

// VoteClassifier explains a reverted vote.
func VoteClassifier(reader *Reader, proposalID common.Hash, logger *zap.Logger) operation.Classifier {
	return operation.Classify(logger,
		proposalExists(reader, proposalID),
		proposalOpen(reader, proposalID),
	)
}

// ExecuteClassifier explains a reverted execute.
func ExecuteClassifier(reader *Reader, proposalID common.Hash, logger *zap.Logger) operation.Classifier {
	return operation.Classify(logger,
		proposalExists(reader, proposalID),
		proposalOpen(reader, proposalID),
	)
}
