package activity

import (
	"context"
	"testing"

	"github.com/matthewbaird/rentledger/internal/ledger/ledgertest"
)

func TestSQLStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		db := ledgertest.New(t)
		s := NewSQLStore(db.Driver())
		if err := s.CreateTable(context.Background()); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		return s
	})
}
