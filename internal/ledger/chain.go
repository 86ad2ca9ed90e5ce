package ledger

import (
	"context"
	"fmt"
)

// ChainError kinds
const (
	ChainBroken  = "chain_broken"
	HashMismatch = "hash_mismatch"
)

// ChainError locates the first bad entry. EntryNum counts from 1 in
// sequence order.
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string
}

func (e *ChainError) Error() string {
	what := "hash mismatch"
	if e.Type == ChainBroken {
		what = "chain broken"
	}
	return fmt.Sprintf("%s at entry %d (%s): want %s, have %s",
		what, e.EntryNum, e.EntryID, abbrev(e.ExpectedHash), abbrev(e.ActualHash))
}

func abbrev(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// VerifyChain replays the ledger from Genesis. It returns a *ChainError
// for the first entry whose link or own hash does not check out.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectEntries+` ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("ledger verify: %w", err)
	}
	defer rows.Close()

	want := Genesis
	for n := 1; rows.Next(); n++ {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("ledger verify: entry %d: %w", n, err)
		}
		if e.PrevHash != want {
			return &ChainError{EntryNum: n, EntryID: e.ID, ExpectedHash: want, ActualHash: e.PrevHash, Type: ChainBroken}
		}
		if h := computeHash(e); h != e.Hash {
			return &ChainError{EntryNum: n, EntryID: e.ID, ExpectedHash: h, ActualHash: e.Hash, Type: HashMismatch}
		}
		want = e.Hash
	}
	return rows.Err()
}
