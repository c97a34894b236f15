package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"govScope/internal/operation"
)

// gasMarginPercent is added on top of the estimate.
const gasMarginPercent = 20

// Writer submits contract calls signed with a local key and waits for their
// receipts.
type Writer struct {
	client       *Client
	opts         bind.TransactOpts
	pollInterval time.Duration
	logger       *zap.Logger

	sendMu  sync.Mutex
	mu      sync.Mutex
	pending map[common.Hash]abi.ABI
}

// NewWriter builds a Writer signing with key for the client's chain.
func NewWriter(ctx context.Context, client *Client, key *ecdsa.PrivateKey, pollInterval time.Duration, logger *zap.Logger) (*Writer, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	return &Writer{
		client:       client,
		opts:         *opts,
		pollInterval: pollInterval,
		logger:       logger,
		pending:      make(map[common.Hash]abi.ABI),
	}, nil
}

// From returns the signing account.
func (w *Writer) From() common.Address {
	return w.opts.From
}

// Send estimates, signs and broadcasts req. Estimation errors are returned
// unwrapped so reverts keep their JSON-RPC code and data.
func (w *Writer) Send(ctx context.Context, req operation.Request) (common.Hash, error) {
	input, err := req.ABI.Pack(req.Method, req.Args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", req.Method, err)
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	to := req.To
	gas, err := w.client.EstimateGas(ctx, ethereum.CallMsg{From: w.opts.From, To: &to, Data: input, Value: req.Value})
	if err != nil {
		return common.Hash{}, err
	}

	opts := w.opts
	opts.Context = ctx
	opts.GasLimit = gas + gas*gasMarginPercent/100
	opts.Value = req.Value
	if opts.Value == nil {
		opts.Value = new(big.Int)
	}

	contract := bind.NewBoundContract(req.To, req.ABI, w.client.ethClient, w.client.ethClient, w.client.ethClient)
	tx, err := contract.Transact(&opts, req.Method, req.Args...)
	if err != nil {
		return common.Hash{}, err
	}

	w.mu.Lock()
	w.pending[tx.Hash()] = req.ABI
	w.mu.Unlock()

	w.logger.Debug("transaction broadcast",
		zap.String("tx", tx.Hash().Hex()),
		zap.String("to", req.To.Hex()),
		zap.String("method", req.Method),
		zap.Uint64("nonce", tx.Nonce()),
		zap.Uint64("gas", tx.Gas()),
	)
	return tx.Hash(), nil
}

// Await polls for the receipt of hash. Receipts with failed status are
// reported as operation.ErrReverted.
func (w *Writer) Await(ctx context.Context, hash common.Hash) (*operation.Receipt, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return w.finish(hash, receipt)
		}
		if !errors.Is(err, ethereum.NotFound) {
			w.logger.Debug("receipt fetch failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Writer) finish(hash common.Hash, receipt *types.Receipt) (*operation.Receipt, error) {
	w.mu.Lock()
	contractABI, known := w.pending[hash]
	delete(w.pending, hash)
	w.mu.Unlock()

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), operation.ErrReverted)
	}

	out := &operation.Receipt{
		TxHash:  hash,
		GasUsed: receipt.GasUsed,
		Status:  receipt.Status,
		Events:  map[string][]operation.Event{},
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if known {
		out.Events = DecodeEvents(contractABI, receipt.Logs, w.logger)
	}
	return out, nil
}
