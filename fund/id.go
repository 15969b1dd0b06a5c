package fund

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// TypeID prefixes for ledger identifiers, e.g. "entry_01h2xcejqtf2nbrexx3vqjhp41".
const (
	prefixEntry = "entry"
	prefixBatch = "batch"
)

// NewEntryID generates a K-sortable entry id.
func NewEntryID() EntryID { return EntryID(newTypeID(prefixEntry)) }

// NewBatchID generates a K-sortable batch id.
func NewBatchID() BatchID { return BatchID(newTypeID(prefixBatch)) }

// ParseEntryID validates s as an entry id.
func ParseEntryID(s string) (EntryID, error) {
	if err := parseWithPrefix(s, prefixEntry); err != nil {
		return "", err
	}
	return EntryID(s), nil
}

// ParseBatchID validates s as a batch id.
func ParseBatchID(s string) (BatchID, error) {
	if err := parseWithPrefix(s, prefixBatch); err != nil {
		return "", err
	}
	return BatchID(s), nil
}

func newTypeID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("fund: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

func parseWithPrefix(s, expected string) error {
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: id %q: %v", ErrInvalidInput, s, err)
	}
	if tid.Prefix() != expected {
		return fmt.Errorf("%w: id %q: expected prefix %q, got %q", ErrInvalidInput, s, expected, tid.Prefix())
	}
	return nil
}
