package governance

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const votingMachineABIJSON = `[
  {"inputs": [{"name": "_proposalId", "type": "bytes32"}], "name": "state", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "_proposalId", "type": "bytes32"}], "name": "getProposalStatus", "outputs": [
    {"name": "preBoostedVotesYes", "type": "uint256"},
    {"name": "preBoostedVotesNo", "type": "uint256"},
    {"name": "stakesYes", "type": "uint256"},
    {"name": "stakesNo", "type": "uint256"}
  ], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "", "type": "bytes32"}], "name": "proposals", "outputs": [
    {"name": "organizationId", "type": "bytes32"},
    {"name": "callbacks", "type": "address"},
    {"name": "state", "type": "uint8"},
    {"name": "winningVote", "type": "uint256"},
    {"name": "proposer", "type": "address"},
    {"name": "currentBoostedVotePeriodLimit", "type": "uint256"},
    {"name": "paramsHash", "type": "bytes32"},
    {"name": "daoBountyRemain", "type": "uint256"},
    {"name": "daoBounty", "type": "uint256"},
    {"name": "totalStakes", "type": "uint256"},
    {"name": "confidenceThreshold", "type": "uint256"},
    {"name": "secondsFromTimeOutTillExecuteBoosted", "type": "uint256"}
  ], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "_paramsHash", "type": "bytes32"}, {"name": "_organizationId", "type": "bytes32"}], "name": "threshold", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "_proposalId", "type": "bytes32"}, {"name": "_vote", "type": "uint256"}, {"name": "_amount", "type": "uint256"}], "name": "stake", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "_proposalId", "type": "bytes32"}, {"name": "_vote", "type": "uint256"}, {"name": "_amount", "type": "uint256"}, {"name": "_voter", "type": "address"}], "name": "vote", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "_proposalId", "type": "bytes32"}], "name": "execute", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "_proposalId", "type": "bytes32"},
    {"indexed": true, "name": "_organization", "type": "address"},
    {"indexed": true, "name": "_staker", "type": "address"},
    {"indexed": false, "name": "_vote", "type": "uint256"},
    {"indexed": false, "name": "_amount", "type": "uint256"}
  ], "name": "Stake", "type": "event"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "_proposalId", "type": "bytes32"},
    {"indexed": true, "name": "_organization", "type": "address"},
    {"indexed": true, "name": "_voter", "type": "address"},
    {"indexed": false, "name": "_vote", "type": "uint256"},
    {"indexed": false, "name": "_reputation", "type": "uint256"}
  ], "name": "VoteProposal", "type": "event"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "_proposalId", "type": "bytes32"},
    {"indexed": true, "name": "_organization", "type": "address"},
    {"indexed": false, "name": "_decision", "type": "uint256"},
    {"indexed": false, "name": "_totalReputation", "type": "uint256"}
  ], "name": "ExecuteProposal", "type": "event"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "_proposalId", "type": "bytes32"},
    {"indexed": false, "name": "_proposalState", "type": "uint8"}
  ], "name": "StateChange", "type": "event"}
]`

const erc20ABIJSON = `[
  {"inputs": [{"name": "owner", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "spender", "type": "address"}, {"name": "value", "type": "uint256"}], "name": "approve", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "owner", "type": "address"},
    {"indexed": true, "name": "spender", "type": "address"},
    {"indexed": false, "name": "value", "type": "uint256"}
  ], "name": "Approval", "type": "event"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "from", "type": "address"},
    {"indexed": true, "name": "to", "type": "address"},
    {"indexed": false, "name": "value", "type": "uint256"}
  ], "name": "Transfer", "type": "event"}
]`

var (
	votingMachineABI     abi.ABI
	votingMachineABIOnce sync.Once
	votingMachineABIErr  error
	erc20ABI             abi.ABI
	erc20ABIOnce         sync.Once
	erc20ABIErr          error
)

// VotingMachineABI returns the parsed GenesisProtocol subset.
func VotingMachineABI() (abi.ABI, error) {
	votingMachineABIOnce.Do(func() {
		votingMachineABI, votingMachineABIErr = abi.JSON(strings.NewReader(votingMachineABIJSON))
	})
	return votingMachineABI, votingMachineABIErr
}

// ERC20ABI returns the parsed ERC20 subset used for staking tokens.
func ERC20ABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}
