package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/timetable-api/internal/models"
	"github.com/campusworks/timetable-api/internal/service"
	appErrors "github.com/campusworks/timetable-api/pkg/errors"
	"github.com/campusworks/timetable-api/pkg/response"
)

type timetableServiceMock struct {
	createResp  *models.SlotDetail
	createErr   error
	updateResp  *models.SlotDetail
	updateErr   error
	deleteErr   error
	getResp     *models.SlotDetail
	getErr      error
	grouped     map[string][]models.SlotDetail
	groupedErr  error
	exportBody  []byte
	exportType  string
	exportErr   error
	lastUpdate  service.UpdateSlotRequest
	lastSlotID  string
	lastGroupID string
}

func (m *timetableServiceMock) Create(ctx context.Context, req service.CreateSlotRequest) (*models.SlotDetail, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.createResp, nil
}

func (m *timetableServiceMock) Update(ctx context.Context, id string, req service.UpdateSlotRequest) (*models.SlotDetail, error) {
	m.lastSlotID = id
	m.lastUpdate = req
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return m.updateResp, nil
}

func (m *timetableServiceMock) Delete(ctx context.Context, id string) error {
	m.lastSlotID = id
	return m.deleteErr
}

func (m *timetableServiceMock) GetSlot(ctx context.Context, id string) (*models.SlotDetail, error) {
	m.lastSlotID = id
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.getResp, nil
}

func (m *timetableServiceMock) List(ctx context.Context, filter models.SlotFilter) ([]models.SlotDetail, *models.Pagination, error) {
	return nil, &models.Pagination{Page: 1, PageSize: 20}, nil
}

func (m *timetableServiceMock) GetTimetableByClass(ctx context.Context, classID string) (map[string][]models.SlotDetail, error) {
	m.lastGroupID = classID
	return m.grouped, m.groupedErr
}

func (m *timetableServiceMock) GetTimetableByTeacher(ctx context.Context, teacherID string) (map[string][]models.SlotDetail, error) {
	m.lastGroupID = teacherID
	return m.grouped, m.groupedErr
}

func (m *timetableServiceMock) GetTimetableByRoom(ctx context.Context, roomID string) (map[string][]models.SlotDetail, error) {
	m.lastGroupID = roomID
	return m.grouped, m.groupedErr
}

func (m *timetableServiceMock) ExportTimetableByClass(ctx context.Context, classID, format string) ([]byte, string, error) {
	if m.exportErr != nil {
		return nil, "", m.exportErr
	}
	return m.exportBody, m.exportType, nil
}

func sampleDetail() *models.SlotDetail {
	return &models.SlotDetail{
		TimetableSlot: models.TimetableSlot{
			ID: "slot-1", DayOfWeek: "MONDAY", StartTime: "08:00", EndTime: "09:30",
			ClassID: "class-1", SubjectID: "sub-1", TeacherID: "teacher-1", RoomID: "room-1",
		},
		ClassName: "10A", SubjectName: "Mathematics", TeacherName: "Jane Doe", RoomName: "Lab 1",
	}
}

func newTestContext(t *testing.T, method, target string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestTimetableHandlerCreate(t *testing.T) {
	mock := &timetableServiceMock{createResp: sampleDetail()}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodPost, "/timetable", service.CreateSlotRequest{
		DayOfWeek: "MONDAY", StartTime: "08:00", EndTime: "09:30",
		ClassID: "class-1", SubjectID: "sub-1", TeacherID: "teacher-1", RoomID: "room-1",
	})

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Nil(t, envelope.Error)
	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "slot-1", data["id"])
	assert.Equal(t, "10A", data["class_name"])
}

func TestTimetableHandlerCreateInvalidBody(t *testing.T) {
	handler := NewTimetableHandler(&timetableServiceMock{})

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/timetable", bytes.NewReader([]byte(`not-json`)))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimetableHandlerCreateConflictEnvelope(t *testing.T) {
	domainErr := &models.SlotConflictError{
		Message: "timetable conflict detected",
		Conflicts: []models.SlotConflict{{
			Dimension: models.DimensionTeacher,
			Message:   "teacher already booked on MONDAY from 08:00 to 09:00",
			SlotID:    "slot-9", ResourceID: "teacher-1",
			DayOfWeek: "MONDAY", StartTime: "08:00", EndTime: "09:00",
		}},
	}
	appErr := appErrors.WithDetails(appErrors.Wrap(domainErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, domainErr.Message), domainErr)
	mock := &timetableServiceMock{createErr: appErr}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodPost, "/timetable", service.CreateSlotRequest{
		DayOfWeek: "MONDAY", StartTime: "08:00", EndTime: "09:00",
		ClassID: "class-1", SubjectID: "sub-1", TeacherID: "teacher-1", RoomID: "room-1",
	})

	handler.Create(c)
	require.Equal(t, http.StatusConflict, w.Code)

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Conflicts []models.SlotConflict `json:"conflicts"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, appErrors.ErrConflict.Code, payload.Error.Code)
	require.Len(t, payload.Error.Details.Conflicts, 1)
	assert.Equal(t, models.DimensionTeacher, payload.Error.Details.Conflicts[0].Dimension)
}

func TestTimetableHandlerUpdatePartialPayload(t *testing.T) {
	mock := &timetableServiceMock{updateResp: sampleDetail()}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodPatch, "/timetable/slot/slot-1", map[string]string{"subject_id": "sub-2"})
	c.Params = gin.Params{{Key: "id", Value: "slot-1"}}

	handler.Update(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "slot-1", mock.lastSlotID)
	require.NotNil(t, mock.lastUpdate.SubjectID)
	assert.Equal(t, "sub-2", *mock.lastUpdate.SubjectID)
	assert.Nil(t, mock.lastUpdate.StartTime, "absent fields must stay nil")
}

func TestTimetableHandlerGetSlotNotFound(t *testing.T) {
	mock := &timetableServiceMock{getErr: appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodGet, "/timetable/slot/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	handler.GetSlot(c)
	require.Equal(t, http.StatusNotFound, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrNotFound.Code, envelope.Error.Code)
}

func TestTimetableHandlerDelete(t *testing.T) {
	mock := &timetableServiceMock{}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodDelete, "/timetable/slot/slot-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "slot-1"}}

	handler.Delete(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "slot-1", mock.lastSlotID)
	assert.Contains(t, w.Body.String(), "timetable slot deleted")
}

func TestTimetableHandlerGetByClass(t *testing.T) {
	mock := &timetableServiceMock{grouped: map[string][]models.SlotDetail{
		"MONDAY": {*sampleDetail()}, "TUESDAY": {}, "WEDNESDAY": {}, "THURSDAY": {}, "FRIDAY": {},
	}}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodGet, "/timetable/class/class-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "class-1"}}

	handler.GetByClass(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "class-1", mock.lastGroupID)

	var envelope struct {
		Data map[string][]models.SlotDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 5)
	assert.Len(t, envelope.Data["MONDAY"], 1)
	assert.NotNil(t, envelope.Data["FRIDAY"])
}

func TestTimetableHandlerExport(t *testing.T) {
	mock := &timetableServiceMock{exportBody: []byte("Day,Start,End\n"), exportType: "text/csv"}
	handler := NewTimetableHandler(mock)

	c, w := newTestContext(t, http.MethodGet, "/timetable/class/class-1/export?format=csv", nil)
	c.Params = gin.Params{{Key: "id", Value: "class-1"}}

	handler.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
}
