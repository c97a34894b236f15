package main

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"govScope/internal/governance"
	"govScope/internal/model"
	"govScope/internal/multiplex"
)

type changeSink struct {
	changes []model.ChangeRecord
}

func (s *changeSink) PutChanges(_ context.Context, changes []model.ChangeRecord) error {
	s.changes = append(s.changes, changes...)
	return nil
}

func (s *changeSink) PutOperation(context.Context, model.OperationRecord) error { return nil }

func (s *changeSink) PutEvents(context.Context, []model.EventRecord) error { return nil }

func TestChangeJournalDropsWhenFull(t *testing.T) {
	sink := &changeSink{}
	journal := newChangeJournal(sink, 100, 1, zap.NewNop())
	key := governance.NativeBalanceKey{Account: common.HexToAddress("0x01")}

	done := make(chan struct{})
	go func() {
		defer close(done)
		journal.add(key, multiplex.Update[any]{Value: big.NewInt(1), Block: 10})
		journal.add(key, multiplex.Update[any]{Value: big.NewInt(2), Block: 11})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("add blocked on a full journal")
	}
	if n := journal.dropped.Load(); n != 1 {
		t.Fatalf("dropped mismatch: %d", n)
	}

	journal.close()
	journal.run()
	if len(sink.changes) != 1 || sink.changes[0].Value != "1" || sink.changes[0].Block != 10 {
		t.Fatalf("journaled changes mismatch: %+v", sink.changes)
	}
}
