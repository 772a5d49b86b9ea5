package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campusworks/timetable-api/internal/models"
)

const slotColumns = "id, day_of_week, start_time, end_time, class_id, subject_id, teacher_id, room_id, created_at, updated_at"

const slotDetailSelect = `
SELECT s.id, s.day_of_week, s.start_time, s.end_time, s.class_id, s.subject_id, s.teacher_id, s.room_id, s.created_at, s.updated_at,
       c.name AS class_name, sub.name AS subject_name, t.full_name AS teacher_name, r.name AS room_name
FROM timetable_slots s
JOIN classes c ON c.id = s.class_id
JOIN subjects sub ON sub.id = s.subject_id
JOIN teachers t ON t.id = s.teacher_id
JOIN rooms r ON r.id = s.room_id`

var dimensionColumns = map[models.ConflictDimension]string{
	models.DimensionClass:   "class_id",
	models.DimensionTeacher: "teacher_id",
	models.DimensionRoom:    "room_id",
}

// QueryTimer receives per-query durations for instrumentation. A nil timer
// disables observation.
type QueryTimer interface {
	ObserveDBQuery(label string, duration time.Duration)
}

// SlotRepository provides persistence for timetable slots.
type SlotRepository struct {
	db      *sqlx.DB
	metrics QueryTimer
}

// NewSlotRepository creates a new slot repository.
func NewSlotRepository(db *sqlx.DB, metrics QueryTimer) *SlotRepository {
	return &SlotRepository{db: db, metrics: metrics}
}

func (r *SlotRepository) observe(label string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveDBQuery(label, time.Since(start))
	}
}

func (r *SlotRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// InTx runs fn inside a single database transaction. The conflict check and
// the subsequent write must share a transaction so concurrent writers cannot
// both pass the check against the pre-write state.
func (r *SlotRepository) InTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin slot transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit slot transaction: %w", err)
	}
	return nil
}

// LockForScheduling serialises writers that touch the same day/resource
// combinations using transaction-scoped advisory locks. Locks are always
// acquired in class, teacher, room order so concurrent callers cannot
// deadlock. Must run inside InTx.
func (r *SlotRepository) LockForScheduling(ctx context.Context, exec sqlx.ExtContext, day, classID, teacherID, roomID string) error {
	keys := []string{
		day + "/class/" + classID,
		day + "/teacher/" + teacherID,
		day + "/room/" + roomID,
	}
	target := r.exec(exec)
	for _, key := range keys {
		if _, err := target.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("acquire scheduling lock %s: %w", key, err)
		}
	}
	return nil
}

// FindOverlapping returns slots on the given day that share the resource and
// whose [start_time, end_time) interval overlaps the candidate interval under
// the half-open rule. excludeID skips the slot being updated. Times are
// fixed-width HH:MM strings so string comparison in SQL is chronological.
func (r *SlotRepository) FindOverlapping(ctx context.Context, exec sqlx.ExtContext, dimension models.ConflictDimension, resourceID, day, startTime, endTime, excludeID string) ([]models.TimetableSlot, error) {
	column, ok := dimensionColumns[dimension]
	if !ok {
		return nil, fmt.Errorf("unknown conflict dimension %q", dimension)
	}

	query := fmt.Sprintf(`SELECT %s FROM timetable_slots WHERE day_of_week = $1 AND %s = $2 AND start_time < $3 AND end_time > $4 AND ($5 = '' OR id <> $5) ORDER BY start_time ASC`, slotColumns, column)

	defer r.observe("slot_find_overlapping", time.Now())
	var slots []models.TimetableSlot
	if err := sqlx.SelectContext(ctx, r.exec(exec), &slots, query, day, resourceID, endTime, startTime, excludeID); err != nil {
		return nil, fmt.Errorf("find overlapping %s slots: %w", strings.ToLower(string(dimension)), err)
	}
	return slots, nil
}

// FindByID loads a slot by id. sql.ErrNoRows passes through for callers to
// translate.
func (r *SlotRepository) FindByID(ctx context.Context, id string) (*models.TimetableSlot, error) {
	query := fmt.Sprintf(`SELECT %s FROM timetable_slots WHERE id = $1`, slotColumns)
	defer r.observe("slot_find_by_id", time.Now())
	var slot models.TimetableSlot
	if err := r.db.GetContext(ctx, &slot, query, id); err != nil {
		return nil, err
	}
	return &slot, nil
}

// FindDetailByID loads a slot with resolved relation names.
func (r *SlotRepository) FindDetailByID(ctx context.Context, id string) (*models.SlotDetail, error) {
	query := slotDetailSelect + ` WHERE s.id = $1`
	defer r.observe("slot_find_detail_by_id", time.Now())
	var detail models.SlotDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns slot details with optional filtering and pagination.
func (r *SlotRepository) List(ctx context.Context, filter models.SlotFilter) ([]models.SlotDetail, int, error) {
	var conditions []string
	var args []interface{}

	addCondition := func(column, value string) {
		if value == "" {
			return
		}
		conditions = append(conditions, fmt.Sprintf("s.%s = $%d", column, len(args)+1))
		args = append(args, value)
	}
	addCondition("class_id", filter.ClassID)
	addCondition("teacher_id", filter.TeacherID)
	addCondition("room_id", filter.RoomID)
	addCondition("subject_id", filter.SubjectID)
	addCondition("day_of_week", filter.DayOfWeek)

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"day_of_week": true,
		"start_time":  true,
		"created_at":  true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "start_time"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("%s%s ORDER BY s.%s %s LIMIT %d OFFSET %d", slotDetailSelect, where, sortBy, order, size, offset)
	defer r.observe("slot_list", time.Now())
	var slots []models.SlotDetail
	if err := r.db.SelectContext(ctx, &slots, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list slots: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM timetable_slots s" + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count slots: %w", err)
	}

	return slots, total, nil
}

// ListDetailByClass returns all slot details for a class ordered by start
// time. Day ordering is applied by the service when grouping.
func (r *SlotRepository) ListDetailByClass(ctx context.Context, classID string) ([]models.SlotDetail, error) {
	return r.listDetailBy(ctx, "class_id", classID)
}

// ListDetailByTeacher returns all slot details taught by a teacher.
func (r *SlotRepository) ListDetailByTeacher(ctx context.Context, teacherID string) ([]models.SlotDetail, error) {
	return r.listDetailBy(ctx, "teacher_id", teacherID)
}

// ListDetailByRoom returns all slot details booked in a room.
func (r *SlotRepository) ListDetailByRoom(ctx context.Context, roomID string) ([]models.SlotDetail, error) {
	return r.listDetailBy(ctx, "room_id", roomID)
}

func (r *SlotRepository) listDetailBy(ctx context.Context, column, id string) ([]models.SlotDetail, error) {
	query := fmt.Sprintf(`%s WHERE s.%s = $1 ORDER BY s.start_time ASC`, slotDetailSelect, column)
	defer r.observe("slot_list_by_"+column, time.Now())
	var slots []models.SlotDetail
	if err := r.db.SelectContext(ctx, &slots, query, id); err != nil {
		return nil, fmt.Errorf("list slots by %s: %w", column, err)
	}
	return slots, nil
}

// Create stores a new slot record.
func (r *SlotRepository) Create(ctx context.Context, exec sqlx.ExtContext, slot *models.TimetableSlot) error {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = now
	}
	slot.UpdatedAt = now

	const query = `INSERT INTO timetable_slots (id, day_of_week, start_time, end_time, class_id, subject_id, teacher_id, room_id, created_at, updated_at) VALUES (:id, :day_of_week, :start_time, :end_time, :class_id, :subject_id, :teacher_id, :room_id, :created_at, :updated_at)`
	defer r.observe("slot_create", time.Now())
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, slot); err != nil {
		return fmt.Errorf("create slot: %w", err)
	}
	return nil
}

// Update modifies a slot record.
func (r *SlotRepository) Update(ctx context.Context, exec sqlx.ExtContext, slot *models.TimetableSlot) error {
	slot.UpdatedAt = time.Now().UTC()
	const query = `UPDATE timetable_slots SET day_of_week = :day_of_week, start_time = :start_time, end_time = :end_time, class_id = :class_id, subject_id = :subject_id, teacher_id = :teacher_id, room_id = :room_id, updated_at = :updated_at WHERE id = :id`
	defer r.observe("slot_update", time.Now())
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, slot); err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	return nil
}

// Delete removes a slot by id, returning the number of rows removed.
func (r *SlotRepository) Delete(ctx context.Context, id string) (int64, error) {
	defer r.observe("slot_delete", time.Now())
	result, err := r.db.ExecContext(ctx, `DELETE FROM timetable_slots WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete slot rows affected: %w", err)
	}
	return rows, nil
}
