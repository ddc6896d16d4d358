package state

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewWithDB(zap.NewNop(), sqlxDB), mock
}

func TestSaveIntentExecutesInsert(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO order_intents").WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveIntent(context.Background(), types.OrderIntent{
		ClientID: "c1", SignalID: "s1", Symbol: "BTCUSD", Side: types.OrderSideBuy,
		Quantity: decimal.NewFromInt(1), RiskPct: decimal.NewFromFloat(0.01), CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAuditChainsHashes(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(2, 1))

	hash1, err := store.AppendAudit(context.Background(), "signal_issued", map[string]string{"id": "sig-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, hash1)

	hash2, err := store.AppendAudit(context.Background(), "order_intent", map[string]string{"id": "sig-1"})
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFillInsertsRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO fills").WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.SaveFill(context.Background(), "c1", types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Ts: time.Now()})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
