package governance

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestParseProposalIDs(t *testing.T) {
	ids, err := ParseProposalIDs([]string{
		"0x0000000000000000000000000000000000000000000000000000000000000abc",
		" ",
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, testProposal, ids[0])

	_, err = ParseProposalIDs([]string{"0xabc"})
	require.ErrorContains(t, err, "length")
	_, err = ParseProposalID("0xabcd")
	require.ErrorContains(t, err, "length")
	_, err = ParseProposalID("proposal")
	require.Error(t, err)
	_, err = ParseProposalID("0x" + strings.Repeat("zz", 32))
	require.ErrorIs(t, err, hexutil.ErrSyntax)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0x3000000000000000000000000000000000000003 ")
	require.NoError(t, err)
	require.Equal(t, testAccount, addr)

	_, err = ParseAddress("0x123")
	require.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	amount, err := ParseAmount("1000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", amount.String())

	amount, err = ParseAmount("0xff")
	require.NoError(t, err)
	require.Equal(t, "255", amount.String())

	for _, input := range []string{"", "-1", "1.5", "0xzz"} {
		_, err := ParseAmount(input)
		require.Error(t, err, input)
	}
}
