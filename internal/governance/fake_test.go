package governance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"govScope/internal/operation"
)

var (
	testVotingMachine = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testToken         = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testAccount       = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testOrg           = common.HexToHash("0x0a")
	testParams        = common.HexToHash("0x0b")
	testProposal      = common.HexToHash("0xabc")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// fakeCaller serves the voting machine and ERC20 views from in-memory state.
type fakeCaller struct {
	mu         sync.Mutex
	stages     map[common.Hash]uint8
	stakes     map[common.Hash][2]*big.Int
	threshold  *big.Int
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	native     map[common.Address]*big.Int
	failing    map[string]int
	reverting  map[string]bool
	calls      map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		stages:     make(map[common.Hash]uint8),
		stakes:     make(map[common.Hash][2]*big.Int),
		threshold:  new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		native:     make(map[common.Address]*big.Int),
		failing:    make(map[string]int),
		reverting:  make(map[string]bool),
		calls:      make(map[string]int),
	}
}

func (f *fakeCaller) setStage(id common.Hash, stage uint8) {
	f.mu.Lock()
	f.stages[id] = stage
	f.mu.Unlock()
}

func (f *fakeCaller) setBalance(account common.Address, amount int64) {
	f.mu.Lock()
	f.balances[account] = big.NewInt(amount)
	f.mu.Unlock()
}

func (f *fakeCaller) setAllowance(owner, spender common.Address, amount int64) {
	f.mu.Lock()
	f.allowances[allowanceKey{owner, spender}] = big.NewInt(amount)
	f.mu.Unlock()
}

// failNext makes the next n calls of method fail. A negative n fails forever.
func (f *fakeCaller) failNext(method string, n int) {
	f.mu.Lock()
	f.failing[method] = n
	f.mu.Unlock()
}

// revert makes every call of method revert.
func (f *fakeCaller) revert(method string) {
	f.mu.Lock()
	f.reverting[method] = true
	f.mu.Unlock()
}

func (f *fakeCaller) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("bad call")
	}
	var parsed abi.ABI
	var err error
	switch *msg.To {
	case testVotingMachine:
		parsed, err = VotingMachineABI()
	case testToken:
		parsed, err = ERC20ABI()
	default:
		return nil, fmt.Errorf("no contract at %s", msg.To.Hex())
	}
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method.Name]++
	if f.reverting[method.Name] {
		return nil, fmt.Errorf("%s: %w", method.Name, operation.ErrReverted)
	}
	if n := f.failing[method.Name]; n != 0 {
		if n > 0 {
			f.failing[method.Name] = n - 1
		}
		return nil, fmt.Errorf("%s unavailable", method.Name)
	}

	switch method.Name {
	case "state":
		return method.Outputs.Pack(f.stages[common.Hash(args[0].([32]byte))])
	case "getProposalStatus":
		stakes, ok := f.stakes[common.Hash(args[0].([32]byte))]
		if !ok {
			stakes = [2]*big.Int{new(big.Int), new(big.Int)}
		}
		return method.Outputs.Pack(new(big.Int), new(big.Int), stakes[0], stakes[1])
	case "proposals":
		id := common.Hash(args[0].([32]byte))
		return method.Outputs.Pack(
			[32]byte(testOrg), common.Address{}, f.stages[id], new(big.Int),
			testAccount, new(big.Int), [32]byte(testParams), new(big.Int),
			new(big.Int), new(big.Int), new(big.Int), new(big.Int),
		)
	case "threshold":
		if common.Hash(args[0].([32]byte)) != testParams || common.Hash(args[1].([32]byte)) != testOrg {
			return method.Outputs.Pack(new(big.Int))
		}
		return method.Outputs.Pack(f.threshold)
	case "balanceOf":
		return method.Outputs.Pack(orZero(f.balances[args[0].(common.Address)]))
	case "allowance":
		key := allowanceKey{args[0].(common.Address), args[1].(common.Address)}
		return method.Outputs.Pack(orZero(f.allowances[key]))
	default:
		return nil, fmt.Errorf("unsupported method %s", method.Name)
	}
}

func (f *fakeCaller) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["balanceAt"]++
	return orZero(f.native[account]), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
