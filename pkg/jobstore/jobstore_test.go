package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestCreateScan(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO scans`).WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := store.CreateScan(context.Background(), "owner-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", rec.OwnerID)
	assert.Equal(t, types.ScanPending, rec.Status)
	assert.Len(t, rec.CorrelationID, 8)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkScanRunning(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`UPDATE scans SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkScanRunning(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeScan_RejectsNonTerminalStatus(t *testing.T) {
	store, _ := newMock(t)
	err := store.FinalizeScan(context.Background(), "scan-1", ScanAggregate{Status: types.ScanRunning})
	require.Error(t, err)
}

func TestFinalizeScan(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`UPDATE scans`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.FinalizeScan(context.Background(), "scan-1", ScanAggregate{
		Status:          types.ScanCompleted,
		AssetsCompleted: 2,
		AssetsFailed:    0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScan_NotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT \* FROM scans`).WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.GetScan(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestCreateJob_Succeeds(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM module_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO module_jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := store.CreateJob(context.Background(), "scan-1", "asset-1", "enumerator", types.RoleProducer)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob_DuplicateRejected(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM module_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := store.CreateJob(context.Background(), "scan-1", "asset-1", "enumerator", types.RoleProducer)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateJob))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachTaskHandle(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`UPDATE module_jobs SET task_handle`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AttachTaskHandle(context.Background(), "job-1", "task-handle-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobStatuses_Empty(t *testing.T) {
	store, _ := newMock(t)
	out, err := store.GetJobStatuses(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGetJobStatuses(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "module", "status", "completed_at"}).
		AddRow("job-1", "enumerator", "completed", now)
	mock.ExpectQuery(`SELECT id, module, status, completed_at FROM module_jobs WHERE id IN`).
		WillReturnRows(rows)

	out, err := store.GetJobStatuses(context.Background(), []string{"job-1"})
	require.NoError(t, err)
	require.Contains(t, out, "job-1")
	assert.Equal(t, types.JobCompleted, out["job-1"].Status)
}

func TestMarkJobTimeout(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`UPDATE module_jobs SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkJobTimeout(context.Background(), "job-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
