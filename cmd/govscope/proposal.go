package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"govScope/internal/config"
	"govScope/internal/governance"
	"govScope/internal/model"
)

// proposalReport is one printed line of the proposal command.
type proposalReport struct {
	ID              string `json:"id"`
	Title           string `json:"title,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Stage           string `json:"stage"`
	StakesFor       string `json:"stakes_for"`
	StakesAgainst   string `json:"stakes_against"`
	Threshold       string `json:"threshold"`
	UpstakeNeeded   string `json:"upstake_needed"`
	DownstakeNeeded string `json:"downstake_needed,omitempty"`
	Error           string `json:"error,omitempty"`
}

func newProposalReport(id string, status model.ProposalStatus) proposalReport {
	report := proposalReport{
		ID:            id,
		Stage:         status.Stage.String(),
		StakesFor:     bigOrZero(status.StakesFor),
		StakesAgainst: bigOrZero(status.StakesAgainst),
		Threshold:     bigOrZero(status.Threshold),
		UpstakeNeeded: status.UpstakeNeeded().String(),
	}
	if downstake, err := status.DownstakeNeeded(); err != nil {
		report.Error = err.Error()
	} else {
		report.DownstakeNeeded = downstake.String()
	}
	return report
}

func runProposal(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.In == "" && len(cfg.Proposals) == 0 {
		return fmt.Errorf("either proposal ids or an input path is required")
	}

	if cfg.In != "" {
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		file, err := os.Open(cfg.In)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		return reportExported(file, cmd.OutOrStdout(), logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if e.cfg.VotingMachine == "" {
		return fmt.Errorf("voting machine is required")
	}

	ids, err := governance.ParseProposalIDs(e.cfg.Proposals)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	for _, id := range ids {
		status, err := e.reader.ProposalStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("read proposal %s: %w", id.Hex(), err)
		}
		if err := encoder.Encode(newProposalReport(id.Hex(), status)); err != nil {
			return err
		}
	}
	return nil
}

// reportExported prints one report per exported proposal line. Lines that
// fail to decode are reported with their error and do not stop the run.
func reportExported(in io.Reader, out io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	encoder := json.NewEncoder(out)

	var total, failed int
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		total++

		var raw model.RawProposal
		if err := json.Unmarshal(line, &raw); err != nil {
			failed++
			logger.Warn("invalid proposal line", zap.Int("line", total), zap.Error(err))
			continue
		}
		proposal, err := model.NewProposal(raw)
		if err != nil {
			failed++
			if err := encoder.Encode(proposalReport{ID: raw.ID, Stage: raw.Stage, Error: err.Error()}); err != nil {
				return err
			}
			continue
		}

		report := newProposalReport(proposal.ID, proposal.Status)
		report.Title = proposal.Title
		report.Kind = proposal.Details.Kind().String()
		if err := encoder.Encode(report); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	logger.Info("proposal report done", zap.Int("total", total), zap.Int("failed", failed))
	return nil
}

func bigOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
