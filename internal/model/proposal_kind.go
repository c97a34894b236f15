package model

import (
	"fmt"
	"math/big"
	"strings"

	"govScope/internal/threshold"
)

// ProposalKind identifies which scheme a proposal belongs to.
type ProposalKind int

const (
	KindPlain ProposalKind = iota
	KindContributionReward
	KindGenericCall
	KindSchemeRegistration
)

func (k ProposalKind) String() string {
	switch k {
	case KindContributionReward:
		return "contribution_reward"
	case KindGenericCall:
		return "generic_call"
	case KindSchemeRegistration:
		return "scheme_registration"
	default:
		return "plain"
	}
}

// ProposalDetails is the scheme-specific part of a proposal. The concrete
// type always matches Kind().
type ProposalDetails interface {
	Kind() ProposalKind
	isProposalDetails()
}

// PlainProposal carries no scheme-specific data.
type PlainProposal struct{}

// ContributionReward pays a beneficiary in reputation, native token, ether
// and optionally an external token.
type ContributionReward struct {
	Beneficiary         string
	ReputationChange    *big.Int
	NativeTokenReward   *big.Int
	EthReward           *big.Int
	ExternalToken       string
	ExternalTokenReward *big.Int
	Periods             uint64
	PeriodLength        uint64
}

// GenericCall executes an arbitrary call from the organization.
type GenericCall struct {
	ContractToCall string
	CallData       string
	Value          *big.Int
}

// SchemeRegistration adds or removes a scheme.
type SchemeRegistration struct {
	Scheme      string
	Permissions string
	Remove      bool
}

func (PlainProposal) Kind() ProposalKind      { return KindPlain }
func (ContributionReward) Kind() ProposalKind { return KindContributionReward }
func (GenericCall) Kind() ProposalKind        { return KindGenericCall }
func (SchemeRegistration) Kind() ProposalKind { return KindSchemeRegistration }

func (PlainProposal) isProposalDetails()      {}
func (ContributionReward) isProposalDetails() {}
func (GenericCall) isProposalDetails()        {}
func (SchemeRegistration) isProposalDetails() {}

// Proposal is a typed proposal record.
type Proposal struct {
	ID       string
	Title    string
	Proposer string
	Status   ProposalStatus
	Details  ProposalDetails
}

// RawProposal is a proposal as exported by the query index, where the scheme
// is implied by which optional sub-record is present.
type RawProposal struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title"`
	Proposer           string                 `json:"proposer"`
	Stage              string                 `json:"stage"`
	StakesFor          string                 `json:"stakesFor"`
	StakesAgainst      string                 `json:"stakesAgainst"`
	Threshold          string                 `json:"threshold"`
	ContributionReward *RawContributionReward `json:"contributionReward,omitempty"`
	GenericScheme      *RawGenericScheme      `json:"genericScheme,omitempty"`
	SchemeRegistrar    *RawSchemeRegistrar    `json:"schemeRegistrar,omitempty"`
}

type RawContributionReward struct {
	Beneficiary         string `json:"beneficiary"`
	ReputationReward    string `json:"reputationReward"`
	NativeTokenReward   string `json:"nativeTokenReward"`
	EthReward           string `json:"ethReward"`
	ExternalToken       string `json:"externalToken"`
	ExternalTokenReward string `json:"externalTokenReward"`
	Periods             uint64 `json:"periods"`
	PeriodLength        uint64 `json:"periodLength"`
}

type RawGenericScheme struct {
	ContractToCall string `json:"contractToCall"`
	CallData       string `json:"callData"`
	Value          string `json:"value"`
}

type RawSchemeRegistrar struct {
	SchemeToRegister string `json:"schemeToRegister"`
	Permissions      string `json:"schemeToRegisterPermission"`
	SchemeToRemove   string `json:"schemeToRemove"`
}

// NewProposal converts an index record into a Proposal, choosing the variant
// once from the sub-record that is present.
func NewProposal(raw RawProposal) (Proposal, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return Proposal{}, fmt.Errorf("proposal id is required")
	}

	status, err := rawStatus(raw)
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal %s: %w", raw.ID, err)
	}
	details, err := rawDetails(raw)
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal %s: %w", raw.ID, err)
	}

	return Proposal{
		ID:       raw.ID,
		Title:    raw.Title,
		Proposer: raw.Proposer,
		Status:   status,
		Details:  details,
	}, nil
}

func rawStatus(raw RawProposal) (ProposalStatus, error) {
	stage, err := ParseStage(raw.Stage)
	if err != nil {
		return ProposalStatus{}, err
	}
	stakesFor, err := parseAmount(raw.StakesFor)
	if err != nil {
		return ProposalStatus{}, fmt.Errorf("stakes for: %w", err)
	}
	stakesAgainst, err := parseAmount(raw.StakesAgainst)
	if err != nil {
		return ProposalStatus{}, fmt.Errorf("stakes against: %w", err)
	}
	ratio := new(big.Int)
	if strings.TrimSpace(raw.Threshold) != "" {
		ratio, err = threshold.ParseRatio(raw.Threshold)
		if err != nil {
			return ProposalStatus{}, fmt.Errorf("threshold: %w", err)
		}
	}
	return ProposalStatus{Stage: stage, StakesFor: stakesFor, StakesAgainst: stakesAgainst, Threshold: ratio}, nil
}

func rawDetails(raw RawProposal) (ProposalDetails, error) {
	present := 0
	for _, set := range []bool{raw.ContributionReward != nil, raw.GenericScheme != nil, raw.SchemeRegistrar != nil} {
		if set {
			present++
		}
	}
	if present > 1 {
		return nil, fmt.Errorf("ambiguous proposal kind: %d scheme records present", present)
	}

	switch {
	case raw.ContributionReward != nil:
		cr := raw.ContributionReward
		amounts := make([]*big.Int, 4)
		for i, input := range []string{cr.ReputationReward, cr.NativeTokenReward, cr.EthReward, cr.ExternalTokenReward} {
			value, err := parseAmount(input)
			if err != nil {
				return nil, fmt.Errorf("contribution reward: %w", err)
			}
			amounts[i] = value
		}
		return ContributionReward{
			Beneficiary:         cr.Beneficiary,
			ReputationChange:    amounts[0],
			NativeTokenReward:   amounts[1],
			EthReward:           amounts[2],
			ExternalToken:       cr.ExternalToken,
			ExternalTokenReward: amounts[3],
			Periods:             cr.Periods,
			PeriodLength:        cr.PeriodLength,
		}, nil
	case raw.GenericScheme != nil:
		value, err := parseAmount(raw.GenericScheme.Value)
		if err != nil {
			return nil, fmt.Errorf("generic scheme value: %w", err)
		}
		return GenericCall{
			ContractToCall: raw.GenericScheme.ContractToCall,
			CallData:       raw.GenericScheme.CallData,
			Value:          value,
		}, nil
	case raw.SchemeRegistrar != nil:
		sr := raw.SchemeRegistrar
		if sr.SchemeToRemove != "" {
			return SchemeRegistration{Scheme: sr.SchemeToRemove, Remove: true}, nil
		}
		return SchemeRegistration{Scheme: sr.SchemeToRegister, Permissions: sr.Permissions}, nil
	default:
		return PlainProposal{}, nil
	}
}

// parseAmount parses a base-10 integer; empty means zero. Reputation changes
// may be negative.
func parseAmount(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(input, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", input)
	}
	return value, nil
}
