package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/timetable-api/internal/models"
)

func newSlotRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func slotRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "day_of_week", "start_time", "end_time", "class_id", "subject_id", "teacher_id", "room_id", "created_at", "updated_at"})
}

func TestSlotRepositoryFindOverlappingTeacher(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	rows := slotRows().
		AddRow("slot-1", "MONDAY", "08:00", "09:30", "class-1", "sub-1", "teacher-1", "room-1", time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("AND teacher_id = $2 AND start_time < $3 AND end_time > $4 AND ($5 = '' OR id <> $5) ORDER BY start_time ASC")).
		WithArgs("MONDAY", "teacher-1", "10:00", "09:00", "").
		WillReturnRows(rows)

	slots, err := repo.FindOverlapping(context.Background(), nil, models.DimensionTeacher, "teacher-1", "MONDAY", "09:00", "10:00", "")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "slot-1", slots[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryFindOverlappingExcludesSelf(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("AND class_id = $2")).
		WithArgs("FRIDAY", "class-1", "11:00", "10:00", "slot-9").
		WillReturnRows(slotRows())

	slots, err := repo.FindOverlapping(context.Background(), nil, models.DimensionClass, "class-1", "FRIDAY", "10:00", "11:00", "slot-9")
	require.NoError(t, err)
	assert.Empty(t, slots)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryFindOverlappingUnknownDimension(t *testing.T) {
	db, _, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	_, err := repo.FindOverlapping(context.Background(), nil, models.ConflictDimension("BUILDING"), "x", "MONDAY", "08:00", "09:00", "")
	require.Error(t, err)
}

func TestSlotRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_slots")).
		WithArgs(sqlmock.AnyArg(), "MONDAY", "08:00", "09:30", "class-1", "sub-1", "teacher-1", "room-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	slot := &models.TimetableSlot{
		DayOfWeek: "MONDAY",
		StartTime: "08:00",
		EndTime:   "09:30",
		ClassID:   "class-1",
		SubjectID: "sub-1",
		TeacherID: "teacher-1",
		RoomID:    "room-1",
	}
	require.NoError(t, repo.Create(context.Background(), nil, slot))
	assert.NotEmpty(t, slot.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryInTxCommit(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("MONDAY/class/class-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("MONDAY/teacher/teacher-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("MONDAY/room/room-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_slots")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(exec sqlx.ExtContext) error {
		if err := repo.LockForScheduling(context.Background(), exec, "MONDAY", "class-1", "teacher-1", "room-1"); err != nil {
			return err
		}
		return repo.Create(context.Background(), exec, &models.TimetableSlot{
			DayOfWeek: "MONDAY", StartTime: "08:00", EndTime: "09:00",
			ClassID: "class-1", SubjectID: "sub-1", TeacherID: "teacher-1", RoomID: "room-1",
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryInTxRollbackOnError(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("conflict detected")
	err := repo.InTx(context.Background(), func(exec sqlx.ExtContext) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM timetable_slots WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSlotRepositoryFindDetailByID(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	rows := sqlmock.NewRows([]string{
		"id", "day_of_week", "start_time", "end_time", "class_id", "subject_id", "teacher_id", "room_id", "created_at", "updated_at",
		"class_name", "subject_name", "teacher_name", "room_name",
	}).AddRow("slot-1", "TUESDAY", "10:00", "11:30", "class-1", "sub-1", "teacher-1", "room-1", time.Now(), time.Now(),
		"10A", "Mathematics", "Jane Doe", "Lab 2")
	mock.ExpectQuery("JOIN classes c ON c.id = s.class_id").
		WithArgs("slot-1").
		WillReturnRows(rows)

	detail, err := repo.FindDetailByID(context.Background(), "slot-1")
	require.NoError(t, err)
	assert.Equal(t, "10A", detail.ClassName)
	assert.Equal(t, "Jane Doe", detail.TeacherName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_slots WHERE id = $1")).
		WithArgs("slot-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows, err := repo.Delete(context.Background(), "slot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_slots WHERE id = $1")).
		WithArgs("slot-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows, err = repo.Delete(context.Background(), "slot-2")
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type queryTimerMock struct {
	labels []string
}

func (m *queryTimerMock) ObserveDBQuery(label string, duration time.Duration) {
	m.labels = append(m.labels, label)
}

func TestSlotRepositoryObservesQueryDurations(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	timer := &queryTimerMock{}
	repo := NewSlotRepository(db, timer)

	mock.ExpectQuery(regexp.QuoteMeta("AND teacher_id = $2")).
		WithArgs("MONDAY", "teacher-1", "10:00", "09:00", "").
		WillReturnRows(slotRows())
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_slots WHERE id = $1")).
		WithArgs("slot-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := repo.FindOverlapping(context.Background(), nil, models.DimensionTeacher, "teacher-1", "MONDAY", "09:00", "10:00", "")
	require.NoError(t, err)
	_, err = repo.Delete(context.Background(), "slot-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"slot_find_overlapping", "slot_delete"}, timer.labels)
}

func TestSlotRepositoryListDetailByClass(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db, nil)

	rows := sqlmock.NewRows([]string{
		"id", "day_of_week", "start_time", "end_time", "class_id", "subject_id", "teacher_id", "room_id", "created_at", "updated_at",
		"class_name", "subject_name", "teacher_name", "room_name",
	}).
		AddRow("slot-1", "MONDAY", "07:30", "09:00", "class-1", "sub-1", "teacher-1", "room-1", time.Now(), time.Now(), "10A", "Physics", "John Roe", "Lab 1").
		AddRow("slot-2", "WEDNESDAY", "09:00", "10:30", "class-1", "sub-2", "teacher-2", "room-2", time.Now(), time.Now(), "10A", "History", "Jane Doe", "R 204")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE s.class_id = $1 ORDER BY s.start_time ASC")).
		WithArgs("class-1").
		WillReturnRows(rows)

	slots, err := repo.ListDetailByClass(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Len(t, slots, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}
