package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewClientFromDB(db, zap.NewNop()), mock
}

func TestInsertTurnUpsertsOnConflict(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs("sess-uuid", 3, SpeakerUser, "hello").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.InsertTurn(context.Background(), &Turn{
		SessionID: "sess-uuid", RoundID: 3, Speaker: SpeakerUser, Content: "hello",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTurnRejectsNonPositiveRound(t *testing.T) {
	c, _ := newMockClient(t)
	err := c.InsertTurn(context.Background(), &Turn{SessionID: "s", RoundID: 0, Speaker: SpeakerUser})
	assert.Error(t, err)
}

func TestLastRoundIDEmptySession(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(round_id\), 0\)`).
		WithArgs("sess").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))

	last, err := c.LastRoundID(context.Background(), "sess")
	require.NoError(t, err)
	assert.Equal(t, 0, last)
}

func TestUpsertChunkIdempotent(t *testing.T) {
	c, mock := newMockClient(t)
	vec := make([]float32, 4)

	mock.ExpectExec(`INSERT INTO documents_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := c.UpsertChunk(context.Background(), "seed", "content", vec)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second identical insert hits the unique constraint and is absorbed.
	mock.ExpectExec(`INSERT INTO documents_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = c.UpsertChunk(context.Background(), "seed", "content", vec)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpWorkflowUsage(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`UPDATE procedural_memory`).
		WithArgs("wf-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.BumpWorkflowUsage(context.Background(), "wf-1"))

	mock.ExpectExec(`UPDATE procedural_memory`).
		WithArgs("wf-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Error(t, c.BumpWorkflowUsage(context.Background(), "wf-missing"))
}

func TestEnqueueRoundIsIdempotent(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`INSERT INTO extraction_queue`).
		WithArgs("sess", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.EnqueueRound(context.Background(), "sess", 7))

	mock.ExpectExec(`INSERT INTO extraction_queue`).
		WithArgs("sess", 7).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, c.EnqueueRound(context.Background(), "sess", 7))
}

func TestMarkRoundsExtractedNoRoundsIsNoop(t *testing.T) {
	c, _ := newMockClient(t)
	require.NoError(t, c.MarkRoundsExtracted(context.Background(), "sess", nil))
}

func TestInsertFactsCountsOnlyNewRows(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO structured_memory`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO structured_memory`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate absorbed
	mock.ExpectCommit()

	facts := []Fact{
		{FactID: "f1", SessionID: "s", SourceRoundID: 1, Type: FactTypeDecision, Content: "ship Monday"},
		{FactID: "f2", SessionID: "s", SourceRoundID: 1, Type: FactTypeDecision, Content: "ship Monday"},
	}
	n, err := c.InsertFacts(context.Background(), facts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFactsEmptyIsNoop(t *testing.T) {
	c, _ := newMockClient(t)
	n, err := c.InsertFacts(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFactConfidenceDefaults(t *testing.T) {
	f := Fact{}
	assert.Equal(t, 0.5, f.Confidence())
	f.Metadata = JSONMap{"confidence": 0.9}
	assert.Equal(t, 0.9, f.Confidence())
	f.Metadata = JSONMap{"confidence": 7.0}
	assert.Equal(t, 0.5, f.Confidence())
}

func TestSessionSource(t *testing.T) {
	assert.Equal(t, "session:abc", SessionSource("abc"))
}

func TestResolveSessionRaceAdoptsWinner(t *testing.T) {
	c, mock := newMockClient(t)

	// No mapping yet, so this request tries to create one.
	mock.ExpectQuery(`SELECT session_id FROM session_mappings`).
		WithArgs("ext-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// A concurrent request mapped ext-1 first; the insert lands zero rows
	// and the whole transaction rolls back, discarding the session row.
	mock.ExpectExec(`INSERT INTO session_mappings`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	// The loser re-reads and adopts the winner's session.
	mock.ExpectQuery(`SELECT session_id FROM session_mappings`).
		WithArgs("ext-1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("winner-uuid"))

	id, err := c.ResolveSession(context.Background(), "ext-1", "user-uuid", "agent-uuid")
	require.NoError(t, err)
	assert.Equal(t, "winner-uuid", id)
	require.NoError(t, mock.ExpectationsWereMet())
}
