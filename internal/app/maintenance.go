package app

import (
	"context"
	"errors"

	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/scheduler"
)

// Maintenance job ids
const (
	JobLedgerVerify = "ledger-verify"
	JobNotesReindex = "notes-reindex"
)

// Maintenance builds the daemon's housekeeping scheduler. The caller
// starts and stops it.
func (a *App) Maintenance() (*scheduler.Scheduler, error) {
	s := scheduler.New()
	m := a.Config.Maintenance

	if m.LedgerVerifyInterval > 0 {
		if err := s.Register(scheduler.Job{
			ID:    JobLedgerVerify,
			Every: m.LedgerVerifyInterval,
			Run:   a.verifyLedger,
		}); err != nil {
			return nil, err
		}
	}

	if m.ReindexAt != "" && a.Semantic != nil {
		if err := s.Register(scheduler.Job{
			ID:  JobNotesReindex,
			At:  m.ReindexAt,
			Run: a.reindexNotes,
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (a *App) verifyLedger(ctx context.Context) error {
	err := a.Ledger.VerifyChain(ctx)
	var ce *ledger.ChainError
	if errors.As(err, &ce) {
		logging.WithFields(map[string]interface{}{
			"entry_num": ce.EntryNum,
			"entry_id":  ce.EntryID,
			"type":      ce.Type,
		}).Error("ledger chain broken")
	}
	return err
}

func (a *App) reindexNotes(ctx context.Context) error {
	notes, err := a.Notes.List(ctx, 100000)
	if err != nil {
		return err
	}
	n, err := a.Semantic.IndexNotes(ctx, notes)
	if err != nil {
		return err
	}
	logging.Info("re-embedded %d notes", n)
	return nil
}
