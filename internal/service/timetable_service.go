package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/campusworks/timetable-api/internal/models"
	appErrors "github.com/campusworks/timetable-api/pkg/errors"
	"github.com/campusworks/timetable-api/pkg/export"
)

type slotRepository interface {
	InTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error
	LockForScheduling(ctx context.Context, exec sqlx.ExtContext, day, classID, teacherID, roomID string) error
	FindByID(ctx context.Context, id string) (*models.TimetableSlot, error)
	FindDetailByID(ctx context.Context, id string) (*models.SlotDetail, error)
	List(ctx context.Context, filter models.SlotFilter) ([]models.SlotDetail, int, error)
	ListDetailByClass(ctx context.Context, classID string) ([]models.SlotDetail, error)
	ListDetailByTeacher(ctx context.Context, teacherID string) ([]models.SlotDetail, error)
	ListDetailByRoom(ctx context.Context, roomID string) ([]models.SlotDetail, error)
	Create(ctx context.Context, exec sqlx.ExtContext, slot *models.TimetableSlot) error
	Update(ctx context.Context, exec sqlx.ExtContext, slot *models.TimetableSlot) error
	Delete(ctx context.Context, id string) (int64, error)
}

type conflictChecker interface {
	Check(ctx context.Context, exec sqlx.ExtContext, candidate models.TimetableSlot, excludeID string) ([]models.SlotConflict, error)
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type subjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

type teacherReader interface {
	FindByID(ctx context.Context, id string) (*models.Teacher, error)
}

type roomReader interface {
	FindByID(ctx context.Context, id string) (*models.Room, error)
}

// CreateSlotRequest describes payload for creating a timetable slot.
type CreateSlotRequest struct {
	DayOfWeek string `json:"day_of_week" validate:"required"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
	ClassID   string `json:"class_id" validate:"required"`
	SubjectID string `json:"subject_id" validate:"required"`
	TeacherID string `json:"teacher_id" validate:"required"`
	RoomID    string `json:"room_id" validate:"required"`
}

// UpdateSlotRequest patches a subset of a slot's mutable fields. Nil fields
// keep their stored values.
type UpdateSlotRequest struct {
	DayOfWeek *string `json:"day_of_week"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
	ClassID   *string `json:"class_id"`
	SubjectID *string `json:"subject_id"`
	TeacherID *string `json:"teacher_id"`
	RoomID    *string `json:"room_id"`
}

var timePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

const timetableCachePattern = "timetable:*"

// TimetableService coordinates the slot lifecycle: validation, conflict
// enforcement inside a single transaction, cached day-grouped reads and
// timetable exports.
type TimetableService struct {
	repo      slotRepository
	checker   conflictChecker
	classes   classReader
	subjects  subjectReader
	teachers  teacherReader
	rooms     roomReader
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	days      []string
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
}

// NewTimetableService instantiates TimetableService. Days defaults to the
// Monday-to-Friday teaching week when empty.
func NewTimetableService(repo slotRepository, checker conflictChecker, classes classReader, subjects subjectReader, teachers teacherReader, rooms roomReader, cache *CacheService, validate *validator.Validate, logger *zap.Logger, days []string) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(days) == 0 {
		days = models.DefaultTeachingDays()
	}
	return &TimetableService{
		repo:      repo,
		checker:   checker,
		classes:   classes,
		subjects:  subjects,
		teachers:  teachers,
		rooms:     rooms,
		cache:     cache,
		validator: validate,
		logger:    logger,
		days:      days,
		csv:       export.NewCSVExporter(),
		pdf:       export.NewPDFExporter(),
	}
}

// Create inserts a new slot after conflict detection. The check and the
// insert share one transaction with per-resource advisory locks, so two
// concurrent requests for overlapping slots cannot both commit.
func (s *TimetableService) Create(ctx context.Context, req CreateSlotRequest) (*models.SlotDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid slot payload")
	}

	slot := models.TimetableSlot{
		DayOfWeek: strings.ToUpper(req.DayOfWeek),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		ClassID:   req.ClassID,
		SubjectID: req.SubjectID,
		TeacherID: req.TeacherID,
		RoomID:    req.RoomID,
	}

	if err := s.validateCandidate(slot); err != nil {
		return nil, err
	}
	if err := s.ensureReferences(ctx, slot); err != nil {
		return nil, err
	}

	if err := s.commitSlot(ctx, &slot, "", s.repo.Create); err != nil {
		return nil, err
	}

	s.invalidateTimetables(ctx)
	return s.loadDetail(ctx, slot.ID)
}

// Update merges the patch onto the stored record, re-validates the complete
// candidate and re-runs conflict detection excluding the slot itself. On
// conflict nothing is written.
func (s *TimetableService) Update(ctx context.Context, id string, req UpdateSlotRequest) (*models.SlotDetail, error) {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load slot")
	}

	updated := *existing
	if req.DayOfWeek != nil {
		updated.DayOfWeek = strings.ToUpper(*req.DayOfWeek)
	}
	if req.StartTime != nil {
		updated.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		updated.EndTime = *req.EndTime
	}
	if req.ClassID != nil {
		updated.ClassID = *req.ClassID
	}
	if req.SubjectID != nil {
		updated.SubjectID = *req.SubjectID
	}
	if req.TeacherID != nil {
		updated.TeacherID = *req.TeacherID
	}
	if req.RoomID != nil {
		updated.RoomID = *req.RoomID
	}

	if err := s.validateCandidate(updated); err != nil {
		return nil, err
	}
	if err := s.ensureReferences(ctx, updated); err != nil {
		return nil, err
	}

	if err := s.commitSlot(ctx, &updated, existing.ID, s.repo.Update); err != nil {
		return nil, err
	}

	s.invalidateTimetables(ctx)
	return s.loadDetail(ctx, updated.ID)
}

// Delete removes a slot entry.
func (s *TimetableService) Delete(ctx context.Context, id string) error {
	rows, err := s.repo.Delete(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete slot")
	}
	if rows == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")
	}

	s.invalidateTimetables(ctx)
	return nil
}

// GetSlot fetches one slot with resolved relations.
func (s *TimetableService) GetSlot(ctx context.Context, id string) (*models.SlotDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load slot")
	}
	return detail, nil
}

// List returns slot details with pagination metadata.
func (s *TimetableService) List(ctx context.Context, filter models.SlotFilter) ([]models.SlotDetail, *models.Pagination, error) {
	slots, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list slots")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return slots, pagination, nil
}

// GetTimetableByClass returns the class timetable grouped by weekday. Every
// configured day is present, empty days map to an empty list.
func (s *TimetableService) GetTimetableByClass(ctx context.Context, classID string) (map[string][]models.SlotDetail, error) {
	return s.groupedTimetable(ctx, "class", classID, s.repo.ListDetailByClass)
}

// GetTimetableByTeacher returns the teacher timetable grouped by weekday.
func (s *TimetableService) GetTimetableByTeacher(ctx context.Context, teacherID string) (map[string][]models.SlotDetail, error) {
	return s.groupedTimetable(ctx, "teacher", teacherID, s.repo.ListDetailByTeacher)
}

// GetTimetableByRoom returns the room timetable grouped by weekday.
func (s *TimetableService) GetTimetableByRoom(ctx context.Context, roomID string) (map[string][]models.SlotDetail, error) {
	return s.groupedTimetable(ctx, "room", roomID, s.repo.ListDetailByRoom)
}

// ExportTimetableByClass renders the class timetable as CSV or PDF bytes and
// returns the matching content type.
func (s *TimetableService) ExportTimetableByClass(ctx context.Context, classID, format string) ([]byte, string, error) {
	grouped, err := s.GetTimetableByClass(ctx, classID)
	if err != nil {
		return nil, "", err
	}

	dataset := export.Dataset{Headers: []string{"Day", "Start", "End", "Subject", "Teacher", "Room"}}
	title := fmt.Sprintf("Class timetable %s", classID)
	for _, day := range s.days {
		for _, slot := range grouped[day] {
			if slot.ClassName != "" {
				title = fmt.Sprintf("Class timetable %s", slot.ClassName)
			}
			dataset.Rows = append(dataset.Rows, map[string]string{
				"Day":     slot.DayOfWeek,
				"Start":   slot.StartTime,
				"End":     slot.EndTime,
				"Subject": slot.SubjectName,
				"Teacher": slot.TeacherName,
				"Room":    slot.RoomName,
			})
		}
	}

	switch strings.ToLower(format) {
	case "", "csv":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv export")
		}
		return payload, "text/csv", nil
	case "pdf":
		payload, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf export")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

// commitSlot runs lock, conflict check and write inside one transaction.
func (s *TimetableService) commitSlot(ctx context.Context, slot *models.TimetableSlot, excludeID string, write func(ctx context.Context, exec sqlx.ExtContext, slot *models.TimetableSlot) error) error {
	err := s.repo.InTx(ctx, func(exec sqlx.ExtContext) error {
		if err := s.repo.LockForScheduling(ctx, exec, slot.DayOfWeek, slot.ClassID, slot.TeacherID, slot.RoomID); err != nil {
			return err
		}

		conflicts, err := s.checker.Check(ctx, exec, *slot, excludeID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return s.conflictError(conflicts)
		}

		return write(ctx, exec, slot)
	})
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit slot")
	}
	return nil
}

func (s *TimetableService) conflictError(conflicts []models.SlotConflict) error {
	domainErr := &models.SlotConflictError{
		Message:   "timetable conflict detected",
		Conflicts: conflicts,
	}
	s.logger.Info("slot rejected by conflict check", zap.Strings("conflicts", domainErr.Descriptions()))
	appErr := appErrors.Wrap(domainErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, domainErr.Message)
	return appErrors.WithDetails(appErr, domainErr)
}

func (s *TimetableService) validateCandidate(slot models.TimetableSlot) error {
	if !timePattern.MatchString(slot.StartTime) {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("start_time %q is not a valid HH:MM time", slot.StartTime))
	}
	if !timePattern.MatchString(slot.EndTime) {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("end_time %q is not a valid HH:MM time", slot.EndTime))
	}
	if slot.StartTime >= slot.EndTime {
		return appErrors.Clone(appErrors.ErrValidation, "start_time must be before end_time")
	}

	for _, day := range s.days {
		if slot.DayOfWeek == day {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("day_of_week %q is not a teaching day", slot.DayOfWeek))
}

func (s *TimetableService) ensureReferences(ctx context.Context, slot models.TimetableSlot) error {
	checks := []struct {
		field string
		load  func() error
	}{
		{"class_id", func() error { _, err := s.classes.FindByID(ctx, slot.ClassID); return err }},
		{"subject_id", func() error { _, err := s.subjects.FindByID(ctx, slot.SubjectID); return err }},
		{"teacher_id", func() error { _, err := s.teachers.FindByID(ctx, slot.TeacherID); return err }},
		{"room_id", func() error { _, err := s.rooms.FindByID(ctx, slot.RoomID); return err }},
	}
	for _, check := range checks {
		if err := check.load(); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown %s", check.field))
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, fmt.Sprintf("failed to resolve %s", check.field))
		}
	}
	return nil
}

func (s *TimetableService) groupedTimetable(ctx context.Context, kind, id string, fetch func(ctx context.Context, id string) ([]models.SlotDetail, error)) (map[string][]models.SlotDetail, error) {
	key := fmt.Sprintf("timetable:%s:%s", kind, id)

	grouped := make(map[string][]models.SlotDetail)
	if hit, _ := s.cache.Get(ctx, key, &grouped); hit {
		return grouped, nil
	}

	slots, err := fetch(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, fmt.Sprintf("failed to list %s timetable", kind))
	}

	grouped = s.groupByDay(slots)
	if err := s.cache.Set(ctx, key, grouped, 0); err != nil {
		s.logger.Warn("failed to cache timetable", zap.String("key", key), zap.Error(err))
	}
	return grouped, nil
}

// groupByDay builds a total mapping over the configured teaching days.
// Slots arrive ordered by start_time, which keeps each day's list sorted.
func (s *TimetableService) groupByDay(slots []models.SlotDetail) map[string][]models.SlotDetail {
	grouped := make(map[string][]models.SlotDetail, len(s.days))
	for _, day := range s.days {
		grouped[day] = []models.SlotDetail{}
	}
	for _, slot := range slots {
		grouped[slot.DayOfWeek] = append(grouped[slot.DayOfWeek], slot)
	}
	return grouped
}

func (s *TimetableService) invalidateTimetables(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, timetableCachePattern); err != nil {
		s.logger.Warn("failed to invalidate timetable cache", zap.Error(err))
	}
}

func (s *TimetableService) loadDetail(ctx context.Context, id string) (*models.SlotDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load slot relations")
	}
	return detail, nil
}
