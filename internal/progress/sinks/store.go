package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// StoreSink persists run history via a watch.RunStore. It collapses per-source
// counters within a batch to reduce write amplification.
type StoreSink struct {
	repo   watch.RunStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo watch.RunStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run lifecycle events and counter deltas to the repository.
// Pending deltas of a run are written before its completion. It respects ctx
// deadlines and returns any repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*watch.RunDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageCheckStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS, evt.Total); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageSourceDone, progress.StageItemFound:
			delta := deltas[runID]
			if delta == nil {
				delta = &watch.RunDelta{}
				deltas[runID] = delta
				order = append(order, runID)
			}
			if evt.Stage == progress.StageItemFound {
				delta.Items++
				continue
			}
			delta.Checked++
			if evt.Failed {
				delta.Failed++
			}
		case progress.StageCheckDone, progress.StageCheckStopped, progress.StageCheckError:
			if err := s.flushDelta(ctx, runID, deltas[runID]); err != nil {
				return err
			}
			delete(deltas, runID)
			if err := s.complete(ctx, runID, evt); err != nil {
				return err
			}
		}
	}

	for _, runID := range order {
		if err := s.flushDelta(ctx, runID, deltas[runID]); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushDelta(ctx context.Context, runID uuid.UUID, delta *watch.RunDelta) error {
	if delta == nil || *delta == (watch.RunDelta{}) {
		return nil
	}
	if err := s.repo.AddRunProgress(ctx, runID, *delta); err != nil {
		return fmt.Errorf("add run progress: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := watch.RunSuccess
	switch evt.Stage {
	case progress.StageCheckStopped:
		status = watch.RunStopped
	case progress.StageCheckError:
		status = watch.RunError
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
