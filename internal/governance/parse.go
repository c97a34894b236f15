package governance

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseAddress converts a hex address, rejecting malformed input.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %q", input)
	}
	return common.HexToAddress(input), nil
}

// ParseProposalID converts a 32-byte hex proposal id.
func ParseProposalID(input string) (common.Hash, error) {
	input = strings.TrimSpace(input)
	digits := strings.TrimPrefix(strings.TrimPrefix(input, "0x"), "0X")
	if len(digits) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid proposal id length %d: %s", len(digits), input)
	}
	data, err := hexutil.Decode("0x" + digits)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid proposal id %s: %w", input, err)
	}
	return common.BytesToHash(data), nil
}

// ParseProposalIDs converts proposal ids, skipping blanks.
func ParseProposalIDs(inputs []string) ([]common.Hash, error) {
	ids := make([]common.Hash, 0, len(inputs))
	for _, input := range inputs {
		if strings.TrimSpace(input) == "" {
			continue
		}
		id, err := ParseProposalID(input)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseAmount parses a non-negative base-unit amount in decimal or 0x hex.
func ParseAmount(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("amount is required")
	}
	var amount *big.Int
	var ok bool
	if strings.HasPrefix(input, "0x") || strings.HasPrefix(input, "0X") {
		amount, ok = new(big.Int).SetString(input[2:], 16)
	} else {
		amount, ok = new(big.Int).SetString(input, 10)
	}
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %s", input)
	}
	return amount, nil
}
