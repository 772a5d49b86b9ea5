package models

import "time"

// Weekday values are uppercase day names. The active teaching-day set is
// configurable; these constants cover the default Monday-to-Friday domain.
const (
	Monday    = "MONDAY"
	Tuesday   = "TUESDAY"
	Wednesday = "WEDNESDAY"
	Thursday  = "THURSDAY"
	Friday    = "FRIDAY"
)

// DefaultTeachingDays returns the weekday enumeration used when no override
// is configured.
func DefaultTeachingDays() []string {
	return []string{Monday, Tuesday, Wednesday, Thursday, Friday}
}

// TimetableSlot is one scheduled occurrence of a subject for a class, taught
// by a teacher in a room, within a half-open [start_time, end_time) interval
// on a single weekday. Times are zero-padded HH:MM strings, so lexicographic
// comparison matches chronological order.
type TimetableSlot struct {
	ID        string    `db:"id" json:"id"`
	DayOfWeek string    `db:"day_of_week" json:"day_of_week"`
	StartTime string    `db:"start_time" json:"start_time"`
	EndTime   string    `db:"end_time" json:"end_time"`
	ClassID   string    `db:"class_id" json:"class_id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	TeacherID string    `db:"teacher_id" json:"teacher_id"`
	RoomID    string    `db:"room_id" json:"room_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Overlaps reports whether the slot's interval overlaps [start, end) under
// the half-open rule: a shared boundary does not count as overlap.
func (s TimetableSlot) Overlaps(start, end string) bool {
	return s.StartTime < end && start < s.EndTime
}

// SlotDetail is a slot annotated with display names of the referenced
// entities, resolved via joins on read paths.
type SlotDetail struct {
	TimetableSlot
	ClassName   string `db:"class_name" json:"class_name"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	TeacherName string `db:"teacher_name" json:"teacher_name"`
	RoomName    string `db:"room_name" json:"room_name"`
}

// SlotFilter describes query params for listing slots.
type SlotFilter struct {
	ClassID   string
	TeacherID string
	RoomID    string
	SubjectID string
	DayOfWeek string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// ConflictDimension names one of the independent double-booking constraints.
type ConflictDimension string

const (
	DimensionClass   ConflictDimension = "CLASS"
	DimensionTeacher ConflictDimension = "TEACHER"
	DimensionRoom    ConflictDimension = "ROOM"
)

// SlotConflict describes an existing booking that collides with a candidate
// slot on a single dimension.
type SlotConflict struct {
	Dimension  ConflictDimension `json:"dimension"`
	Message    string            `json:"message"`
	SlotID     string            `json:"slot_id"`
	ResourceID string            `json:"resource_id"`
	DayOfWeek  string            `json:"day_of_week"`
	StartTime  string            `json:"start_time"`
	EndTime    string            `json:"end_time"`
}

// SlotConflictError is returned when committing a candidate slot would
// double-book a class, teacher or room. Conflicts holds one entry per
// violated dimension in the fixed order class, teacher, room.
type SlotConflictError struct {
	Message   string         `json:"message"`
	Conflicts []SlotConflict `json:"conflicts"`
}

// Error implements the error interface for conflict errors.
func (e *SlotConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// Descriptions returns the human-readable conflict messages in order.
func (e *SlotConflictError) Descriptions() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		out = append(out, c.Message)
	}
	return out
}
