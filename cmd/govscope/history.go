package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"govScope/internal/governance"
	"govScope/internal/history"
)

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	if e.cfg.VotingMachine == "" {
		return fmt.Errorf("voting machine is required")
	}

	proposals, err := governance.ParseProposalIDs(e.cfg.Proposals)
	if err != nil {
		return err
	}

	runner := history.NewRunner(history.Config{
		VotingMachine:  e.reader.VotingMachine(),
		Proposals:      proposals,
		FromBlock:      e.cfg.FromBlock,
		ToBlock:        e.cfg.ToBlock,
		BatchSize:      e.cfg.BatchSize,
		CheckpointPath: e.cfg.Checkpoint,
		MaxRetries:     e.cfg.MaxRetries,
		RetryBackoff:   e.cfg.RetryBackoff,
	}, e.client, e.journal, e.logger)

	e.logger.Info("history start",
		zap.String("voting_machine", e.cfg.VotingMachine),
		zap.Uint64("from", e.cfg.FromBlock),
		zap.Uint64("to", e.cfg.ToBlock),
		zap.Uint64("batch_size", e.cfg.BatchSize),
		zap.Int("proposals", len(proposals)),
	)
	n, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("history done", zap.Int("events", n))
	return nil
}
