package model

import (
	"fmt"
	"math/big"
	"strings"

	"govScope/internal/threshold"
)

// ProposalStage mirrors the voting machine's proposal state enum.
type ProposalStage uint8

const (
	StageNone ProposalStage = iota
	StageExpiredInQueue
	StageExecuted
	StageQueued
	StagePreBoosted
	StageBoosted
	StageQuietEndingPeriod
)

var stageNames = map[ProposalStage]string{
	StageNone:              "None",
	StageExpiredInQueue:    "ExpiredInQueue",
	StageExecuted:          "Executed",
	StageQueued:            "Queued",
	StagePreBoosted:        "PreBoosted",
	StageBoosted:           "Boosted",
	StageQuietEndingPeriod: "QuietEndingPeriod",
}

func (s ProposalStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(input string) (ProposalStage, error) {
	for stage, name := range stageNames {
		if strings.EqualFold(name, strings.TrimSpace(input)) {
			return stage, nil
		}
	}
	return StageNone, fmt.Errorf("unknown proposal stage: %s", input)
}

// Exists reports whether the voting machine knows the proposal.
func (s ProposalStage) Exists() bool {
	return s != StageNone
}

// Finalized reports whether no more stakes or votes are accepted.
func (s ProposalStage) Finalized() bool {
	return s == StageExecuted || s == StageExpiredInQueue
}

// ProposalStatus is the live, stake-related state of a proposal.
type ProposalStatus struct {
	Stage         ProposalStage
	StakesFor     *big.Int
	StakesAgainst *big.Int
	// Threshold is the promotion ratio in fixed-point form.
	Threshold *big.Int
}

func (s ProposalStatus) inputs() threshold.Inputs {
	return threshold.Inputs{StakesFor: s.StakesFor, StakesAgainst: s.StakesAgainst, Threshold: s.Threshold}
}

// UpstakeNeeded is the for-stake needed to pre-boost a queued proposal.
// It is zero for every other stage and negative when already exceeded.
func (s ProposalStatus) UpstakeNeeded() *big.Int {
	if s.Stage != StageQueued {
		return new(big.Int)
	}
	return threshold.Upstake(s.inputs())
}

// DownstakeNeeded is the against-stake needed to send a pre-boosted proposal
// back to the queue. It is zero for every other stage.
func (s ProposalStatus) DownstakeNeeded() (*big.Int, error) {
	if s.Stage != StagePreBoosted {
		return new(big.Int), nil
	}
	return threshold.Downstake(s.inputs())
}

// Equal compares two statuses by value.
func (s ProposalStatus) Equal(other ProposalStatus) bool {
	return s.Stage == other.Stage &&
		bigEqual(s.StakesFor, other.StakesFor) &&
		bigEqual(s.StakesAgainst, other.StakesAgainst) &&
		bigEqual(s.Threshold, other.Threshold)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}
