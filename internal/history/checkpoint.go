package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint records how far the backfill of one voting machine got.
type Checkpoint struct {
	ChainID            uint64 `json:"chain_id"`
	VotingMachine      string `json:"voting_machine"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// CheckpointStore keeps a Checkpoint in a JSON file. An empty path disables
// it.
type CheckpointStore struct {
	path          string
	chainID       uint64
	votingMachine common.Address
}

func NewCheckpointStore(path string, chainID uint64, votingMachine common.Address) *CheckpointStore {
	return &CheckpointStore{path: path, chainID: chainID, votingMachine: votingMachine}
}

// Load returns the stored checkpoint. A checkpoint written for another chain
// or voting machine is an error rather than a silent restart.
func (c *CheckpointStore) Load() (Checkpoint, bool, error) {
	if c.path == "" {
		return Checkpoint{}, false, nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.ChainID != c.chainID || !strings.EqualFold(cp.VotingMachine, c.votingMachine.Hex()) {
		return Checkpoint{}, false, fmt.Errorf("checkpoint %s belongs to %s on chain %d", c.path, cp.VotingMachine, cp.ChainID)
	}
	return cp, true, nil
}

// Save atomically replaces the checkpoint file.
func (c *CheckpointStore) Save(lastProcessed uint64) error {
	if c.path == "" {
		return nil
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := json.Marshal(Checkpoint{
		ChainID:            c.chainID,
		VotingMachine:      c.votingMachine.Hex(),
		LastProcessedBlock: lastProcessed,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
