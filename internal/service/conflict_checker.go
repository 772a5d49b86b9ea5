package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/campusworks/timetable-api/internal/models"
	appErrors "github.com/campusworks/timetable-api/pkg/errors"
)

type overlapFinder interface {
	FindOverlapping(ctx context.Context, exec sqlx.ExtContext, dimension models.ConflictDimension, resourceID, day, startTime, endTime, excludeID string) ([]models.TimetableSlot, error)
}

// ConflictChecker detects double-bookings for a candidate slot across the
// three independent resource dimensions. It only issues read queries; the
// exec parameter lets the check run inside the caller's transaction so the
// check-then-write sequence is atomic.
type ConflictChecker struct {
	repo overlapFinder
}

// NewConflictChecker builds a conflict checker over the slot store.
func NewConflictChecker(repo overlapFinder) *ConflictChecker {
	return &ConflictChecker{repo: repo}
}

// Check returns one conflict per violated dimension in the fixed order
// class, teacher, room. An empty result means the candidate can be
// committed. excludeID skips the slot being updated so it does not conflict
// with its own prior state.
func (c *ConflictChecker) Check(ctx context.Context, exec sqlx.ExtContext, candidate models.TimetableSlot, excludeID string) ([]models.SlotConflict, error) {
	dimensions := []struct {
		dimension  models.ConflictDimension
		resourceID string
	}{
		{models.DimensionClass, candidate.ClassID},
		{models.DimensionTeacher, candidate.TeacherID},
		{models.DimensionRoom, candidate.RoomID},
	}

	var conflicts []models.SlotConflict
	for _, dim := range dimensions {
		overlapping, err := c.repo.FindOverlapping(ctx, exec, dim.dimension, dim.resourceID, candidate.DayOfWeek, candidate.StartTime, candidate.EndTime, excludeID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check slot conflicts")
		}
		if len(overlapping) == 0 {
			continue
		}

		// The earliest clashing booking describes the violation.
		clash := overlapping[0]
		noun := strings.ToLower(string(dim.dimension))
		conflicts = append(conflicts, models.SlotConflict{
			Dimension:  dim.dimension,
			Message:    fmt.Sprintf("%s already booked on %s from %s to %s", noun, clash.DayOfWeek, clash.StartTime, clash.EndTime),
			SlotID:     clash.ID,
			ResourceID: dim.resourceID,
			DayOfWeek:  clash.DayOfWeek,
			StartTime:  clash.StartTime,
			EndTime:    clash.EndTime,
		})
	}

	return conflicts, nil
}
