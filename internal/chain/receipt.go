package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"govScope/internal/operation"
)

// DecodeEvents decodes the logs known to contractABI, keyed by event name.
// Logs with unknown topics are skipped.
func DecodeEvents(contractABI abi.ABI, logs []*types.Log, logger *zap.Logger) map[string][]operation.Event {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := make(map[string][]operation.Event)
	for _, lg := range logs {
		if lg == nil {
			continue
		}
		name, fields, err := DecodeLog(contractABI, *lg)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		if err != nil {
			logger.Warn("decode event failed", zap.String("event", name), zap.Uint("log_index", lg.Index), zap.Error(err))
			continue
		}
		events[name] = append(events[name], fields)
	}
	return events
}

// ErrUnknownEvent is returned for logs whose topic0 is not in the ABI.
var ErrUnknownEvent = errors.New("unknown event")

// DecodeLog decodes one log into its event name and fields, indexed and not.
func DecodeLog(contractABI abi.ABI, lg types.Log) (string, operation.Event, error) {
	if len(lg.Topics) == 0 {
		return "", nil, ErrUnknownEvent
	}
	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return "", nil, ErrUnknownEvent
	}

	fields := operation.Event{}
	if len(lg.Data) > 0 {
		if err := contractABI.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return ev.Name, nil, fmt.Errorf("unpack data: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return ev.Name, nil, fmt.Errorf("parse topics: %w", err)
	}
	return ev.Name, fields, nil
}
