package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"govScope/internal/chain"
	"govScope/internal/governance"
	"govScope/internal/model"
	"govScope/internal/operation"
)

func runStake(cmd *cobra.Command, _ []string) error {
	return withWriter(cmd, func(ctx context.Context, e *env, writer *chain.Writer) error {
		proposalID, err := singleProposal(e)
		if err != nil {
			return err
		}
		token, err := requiredAddress("token", e.cfg.Token)
		if err != nil {
			return err
		}
		amount, err := governance.ParseAmount(e.cfg.Amount)
		if err != nil {
			return err
		}
		req, err := governance.StakeRequest(e.reader.VotingMachine(), proposalID, e.cfg.Vote, amount)
		if err != nil {
			return err
		}
		classify := governance.StakeClassifier(e.reader, token, writer.From(), proposalID, amount, e.logger)
		return submit(ctx, e, writer, req, governance.StakeMapper(), classify, func(r governance.StakeResult) string {
			return fmt.Sprintf("staked %s on vote %s for proposal %s", r.Amount, r.Vote, r.ProposalID.Hex())
		})
	})
}

func runVote(cmd *cobra.Command, _ []string) error {
	return withWriter(cmd, func(ctx context.Context, e *env, writer *chain.Writer) error {
		proposalID, err := singleProposal(e)
		if err != nil {
			return err
		}
		reputation, err := governance.ParseAmount(e.cfg.Reputation)
		if err != nil {
			return fmt.Errorf("reputation: %w", err)
		}
		req, err := governance.VoteRequest(e.reader.VotingMachine(), proposalID, e.cfg.Vote, reputation, writer.From())
		if err != nil {
			return err
		}
		classify := governance.VoteClassifier(e.reader, proposalID, e.logger)
		return submit(ctx, e, writer, req, governance.VoteMapper(), classify, func(r governance.VoteResult) string {
			return fmt.Sprintf("voted %s with %s reputation on proposal %s", r.Vote, r.Reputation, r.ProposalID.Hex())
		})
	})
}

func runExecute(cmd *cobra.Command, _ []string) error {
	return withWriter(cmd, func(ctx context.Context, e *env, writer *chain.Writer) error {
		proposalID, err := singleProposal(e)
		if err != nil {
			return err
		}
		req, err := governance.ExecuteRequest(e.reader.VotingMachine(), proposalID)
		if err != nil {
			return err
		}
		classify := governance.ExecuteClassifier(e.reader, proposalID, e.logger)
		return submit(ctx, e, writer, req, governance.ExecuteMapper(), classify, func(r *governance.ExecuteResult) string {
			if r == nil {
				return fmt.Sprintf("proposal %s not executed yet", proposalID.Hex())
			}
			return fmt.Sprintf("executed proposal %s with decision %s", r.ProposalID.Hex(), r.Decision)
		})
	})
}

func runApprove(cmd *cobra.Command, _ []string) error {
	return withWriter(cmd, func(ctx context.Context, e *env, writer *chain.Writer) error {
		token, err := requiredAddress("token", e.cfg.Token)
		if err != nil {
			return err
		}
		spender := e.reader.VotingMachine()
		if e.cfg.Spender != "" {
			if spender, err = governance.ParseAddress(e.cfg.Spender); err != nil {
				return fmt.Errorf("spender: %w", err)
			}
		}
		if spender == (common.Address{}) {
			return fmt.Errorf("spender or voting machine is required")
		}
		amount, err := governance.ParseAmount(e.cfg.Amount)
		if err != nil {
			return err
		}
		req, err := governance.ApproveRequest(token, spender, amount)
		if err != nil {
			return err
		}
		return submit(ctx, e, writer, req, governance.ApproveMapper(), nil, func(r governance.ApproveResult) string {
			return fmt.Sprintf("allowance of %s set to %s", r.Spender.Hex(), r.Value)
		})
	})
}

func withWriter(cmd *cobra.Command, fn func(ctx context.Context, e *env, writer *chain.Writer) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	key, err := chain.ParsePrivateKey(e.cfg.PrivateKey)
	if err != nil {
		return err
	}
	writer, err := chain.NewWriter(ctx, e.client, key, e.cfg.PollInterval, e.logger)
	if err != nil {
		return err
	}
	return fn(ctx, e, writer)
}

func singleProposal(e *env) (common.Hash, error) {
	if e.cfg.VotingMachine == "" {
		return common.Hash{}, fmt.Errorf("voting machine is required")
	}
	if len(e.cfg.Proposals) != 1 {
		return common.Hash{}, fmt.Errorf("exactly one proposal id is required")
	}
	return governance.ParseProposalID(e.cfg.Proposals[0])
}

func requiredAddress(name, input string) (common.Address, error) {
	if input == "" {
		return common.Address{}, fmt.Errorf("%s is required", name)
	}
	addr, err := governance.ParseAddress(input)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}

func submit[T any](ctx context.Context, e *env, writer *chain.Writer, req operation.Request, mapper operation.Mapper[T], classify operation.Classifier, describe func(T) string) error {
	logger := e.logger.With(zap.String("op", req.Name), zap.String("from", writer.From().Hex()))
	submittedAt := time.Now().UTC()

	op := operation.Submit(ctx, operation.NewPipeline(writer, e.logger), req, mapper, classify)
	var states []string
	for state := range op.States() {
		states = append(states, state.Status.String())
		fields := []zap.Field{zap.String("status", state.Status.String())}
		if state.TxHash != (common.Hash{}) {
			fields = append(fields, zap.String("tx", state.TxHash.Hex()))
		}
		logger.Info("operation state", fields...)
	}

	last := op.Last()
	record := model.OperationRecord{
		ChainID:     e.chainID,
		Name:        req.Name,
		Contract:    req.To.Hex(),
		Method:      req.Method,
		States:      states,
		Status:      last.Status.String(),
		SubmittedAt: submittedAt.Format(time.RFC3339),
		FinishedAt:  last.At.UTC().Format(time.RFC3339),
	}
	if last.TxHash != (common.Hash{}) {
		record.TxHash = last.TxHash.Hex()
	}
	if last.Err != nil {
		record.Error = last.Err.Error()
		if reverted, ok := operation.AsRevert(last.Err); ok {
			record.Cause = reverted.Cause.String()
		}
	} else {
		record.Result = describe(last.Result)
	}

	if err := e.journal.PutOperation(context.Background(), record); err != nil {
		logger.Warn("journal write failed", zap.Error(err))
	}

	if last.Err != nil {
		return last.Err
	}
	fmt.Println(record.Result)
	return nil
}
