package model

// ChangeRecord is one observed value change written to the journal.
type ChangeRecord struct {
	ChainID    uint64 `json:"chain_id"`
	Key        string `json:"key"`
	Kind       string `json:"kind"`
	Value      string `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
	Block      uint64 `json:"block"`
	ObservedAt string `json:"observed_at"`
}

// OperationRecord is the outcome of one submitted operation.
type OperationRecord struct {
	ChainID     uint64   `json:"chain_id"`
	Name        string   `json:"name"`
	Contract    string   `json:"contract"`
	Method      string   `json:"method"`
	TxHash      string   `json:"tx_hash,omitempty"`
	States      []string `json:"states"`
	Status      string   `json:"status"`
	Cause       string   `json:"cause,omitempty"`
	Error       string   `json:"error,omitempty"`
	Result      string   `json:"result,omitempty"`
	SubmittedAt string   `json:"submitted_at"`
	FinishedAt  string   `json:"finished_at"`
}

// EventRecord is one decoded voting machine event from the history backfill.
type EventRecord struct {
	ChainID        uint64            `json:"chain_id"`
	BlockNumber    uint64            `json:"block_number"`
	BlockTimestamp uint64            `json:"block_timestamp"`
	TxHash         string            `json:"tx_hash"`
	LogIndex       uint              `json:"log_index"`
	Contract       string            `json:"contract"`
	Event          string            `json:"event"`
	ProposalID     string            `json:"proposal_id"`
	Fields         map[string]string `json:"fields"`
	IngestedAt     string            `json:"ingested_at"`
}
