package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const givingFuelHeader = "Transaction ID,Total Paid ($ Amount),Payment Method,Payment Date,Status,Transaction Type,Billing Name (First Name),Billing Name (Last Name),Billing Email Address\n"

func expectMemberPreload(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`,`email` FROM `members`")).
		WillReturnRows(rows)
}

// GivingFuel导出按新到旧排列，导入必须倒序回放：会员应当由时间线上
// 最早的一笔付款创建，而不是文件里的第一行
func TestImportGivingFuelCSVReplaysOldestFirst(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewReconcileService(db, PipelineConfig{})

	csv := givingFuelHeader +
		"TX-3,10.00,visa,2024-03-01 1:00 PM,completed,charge,March,Reed,casey@example.org\n" +
		"TX-2,5.00,visa,2024-02-01 1:00 PM,completed,charge,February,Reed,casey@example.org\n" +
		"TX-1,5.00,visa,2024-01-01 1:00 PM,completed,charge,January,Reed,casey@example.org\n"

	expectMemberPreload(mock, sqlmock.NewRows([]string{"id", "email"}))

	mock.ExpectBegin()
	// 会员来自最早的TX-1行
	mock.ExpectExec("INSERT INTO `members`").
		WithArgs("casey@example.org", "January", "Reed", "", sqlmock.AnyArg(), nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("INSERT INTO `payments`").
		WithArgs(5, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), sqlmock.AnyArg(), 1,
			sqlmock.AnyArg(), "visa", "givingfuel-csv", "TX-1", "").
		WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectExec("INSERT INTO `payments`").
		WithArgs(5, time.Date(2024, 2, 1, 13, 0, 0, 0, time.UTC), sqlmock.AnyArg(), 1,
			sqlmock.AnyArg(), "visa", "givingfuel-csv", "TX-2", "").
		WillReturnResult(sqlmock.NewResult(22, 1))
	mock.ExpectExec("INSERT INTO `payments`").
		WithArgs(5, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), sqlmock.AnyArg(), 1,
			sqlmock.AnyArg(), "visa", "givingfuel-csv", "TX-3", "").
		WillReturnResult(sqlmock.NewResult(23, 1))
	mock.ExpectCommit()

	summary, err := svc.ImportGivingFuelCSV(context.Background(), []byte(csv))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MembersAdded)
	assert.Equal(t, 3, summary.PaymentsAdded)
	assert.NotEmpty(t, summary.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportGivingFuelCSVSkipsNonQualifyingRows(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewReconcileService(db, PipelineConfig{})

	csv := givingFuelHeader +
		"TX-1,5.00,visa,2024-01-01 1:00 PM,pending,charge,Casey,Reed,casey@example.org\n" +
		"TX-2,5.00,visa,2024-01-02 1:00 PM,completed,refund,Casey,Reed,casey@example.org\n" +
		"TX-3,,visa,2024-01-03 1:00 PM,completed,charge,Casey,Reed,casey@example.org\n"

	expectMemberPreload(mock, sqlmock.NewRows([]string{"id", "email"}))
	mock.ExpectBegin()
	mock.ExpectCommit()

	summary, err := svc.ImportGivingFuelCSV(context.Background(), []byte(csv))
	require.NoError(t, err)
	assert.Zero(t, summary.MembersAdded)
	assert.Zero(t, summary.PaymentsAdded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportGivingFuelCSVExistingMember(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewReconcileService(db, PipelineConfig{})

	csv := givingFuelHeader +
		"TX-9,45.00,visa,2024-04-01 2:30 PM,completed,charge,Casey,Reed,casey@example.org\n"

	expectMemberPreload(mock, sqlmock.NewRows([]string{"id", "email"}).AddRow(3, "casey@example.org"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `payments`").
		WithArgs(3, time.Date(2024, 4, 1, 14, 30, 0, 0, time.UTC), sqlmock.AnyArg(), 1,
			sqlmock.AnyArg(), "visa", "givingfuel-csv", "TX-9", "").
		WillReturnResult(sqlmock.NewResult(31, 1))
	mock.ExpectCommit()

	summary, err := svc.ImportGivingFuelCSV(context.Background(), []byte(csv))
	require.NoError(t, err)
	assert.Zero(t, summary.MembersAdded)
	assert.Equal(t, 1, summary.PaymentsAdded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 单行解析失败 => 整批回滚，已处理的行不留痕
func TestImportGivingFuelCSVRowErrorAbortsBatch(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewReconcileService(db, PipelineConfig{})

	// 坏行在文件头部（最新），倒序回放时好行先入库，随后坏行触发回滚
	csv := givingFuelHeader +
		"TX-2,45.00,visa,not-a-date,completed,charge,Casey,Reed,casey@example.org\n" +
		"TX-1,45.00,visa,2024-01-01 1:00 PM,completed,charge,Casey,Reed,casey@example.org\n"

	expectMemberPreload(mock, sqlmock.NewRows([]string{"id", "email"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `members`").WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("INSERT INTO `payments`").WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectRollback()

	summary, err := svc.ImportGivingFuelCSV(context.Background(), []byte(csv))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCSV))
	assert.Nil(t, summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportGivingFuelCSVMalformedFile(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewReconcileService(db, PipelineConfig{})

	// 行字段数与表头不一致，文件级解析直接失败
	summary, err := svc.ImportGivingFuelCSV(context.Background(), []byte("a,b\n1,2,3\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCSV))
	assert.Nil(t, summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}
