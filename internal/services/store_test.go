package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormConversationStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormConversationStore(db), mock
}

func TestGormConversationStore_CountConversations(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM "conversations" WHERE owner_id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(51))

	count, err := store.CountConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 51, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormConversationStore_OldestConversationIDs(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT "id" FROM "conversations" WHERE owner_id = \$1 ORDER BY updated_at ASC LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1").AddRow("c-2"))

	ids, err := store.OldestConversationIDs(context.Background(), "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1", "c-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormConversationStore_OldestConversationIDsZero(t *testing.T) {
	store, mock := newMockStore(t)

	ids, err := store.OldestConversationIDs(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormConversationStore_DeleteConversationsInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "messages" WHERE conversation_id IN \(\$1,\$2\)`).
		WithArgs("c-1", "c-2").
		WillReturnResult(sqlmock.NewResult(0, 6))
	mock.ExpectExec(`DELETE FROM "conversations" WHERE id IN \(\$1,\$2\)`).
		WithArgs("c-1", "c-2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteConversations(context.Background(), []string{"c-1", "c-2"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormConversationStore_DeleteConversationsRollback(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "messages"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.DeleteConversations(context.Background(), []string{"c-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormConversationStore_GetConversationNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "conversations" WHERE id = \$1 AND owner_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "title", "created_at", "updated_at"}))

	_, err := store.GetConversation(context.Background(), "alice", "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormConversationStore_ListMessagesChronological(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 ORDER BY created_at DESC LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "sources", "created_at"}).
			AddRow("m-2", "c-1", "assistant", "answer", nil, now).
			AddRow("m-1", "c-1", "user", "question", nil, now.Add(-time.Second)))

	msgs, err := store.ListMessages(context.Background(), "c-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "answer", msgs[1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}
