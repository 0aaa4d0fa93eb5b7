package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/storetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settld.db")
	s, err := Open(context.Background(), SQLite, SQLiteDSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestMigrate_IsRepeatable(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	assert.Less(t, formatTime(a), formatTime(b))

	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x INT);\n\nCREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, stmts)
}

func TestEnqueueOutbox_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("ledger:t1:e1", "t1", contracts.TopicLedgerEntryApply, `{"entryId":"e1"}`, formatTime(at)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var inserted bool
	err = s.Update(ctx, func(tx store.Tx) (err error) {
		inserted, err = tx.EnqueueOutbox(ctx, contracts.OutboxMessage{
			ID: "ledger:t1:e1", TenantID: "t1", Topic: contracts.TopicLedgerEntryApply,
			PayloadJSON: []byte(`{"entryId":"e1"}`), CreatedAt: at,
		})
		return err
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutbox_PostgresSkipsLockedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox WHERE id = \$1 FOR UPDATE SKIP LOCKED`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectRollback()

	err = s.Update(ctx, func(tx store.Tx) error {
		_, claimed, err := tx.ClaimOutbox(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, claimed)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_PostgresHeadCompareAndSwap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq, chain_hash FROM stream_heads").
		WithArgs("t1", "run:r1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(3, "h3"))
	mock.ExpectExec("UPDATE stream_heads SET seq").
		WithArgs(int64(4), "h4", "t1", "run:r1", "h3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.AppendEvent(ctx, contracts.Event{
			TenantID: "t1", StreamID: "run:r1", Type: "RUN_NOTE", Payload: []byte(`{}`),
			PrevChainHash: "h3", ChainHash: "h4", At: at,
		})
	})
	assert.ErrorIs(t, err, store.ErrHeadMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSettlement_PostgresRevisionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE settlements SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM settlements`).
		WithArgs("t1", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateSettlement(ctx, contracts.Settlement{TenantID: "t1", RunID: "r1", SettlementID: "s1"}, 2)
	})
	assert.ErrorIs(t, err, store.ErrRevisionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
