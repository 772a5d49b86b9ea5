package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusworks/timetable-api/internal/models"
	"github.com/campusworks/timetable-api/internal/service"
	appErrors "github.com/campusworks/timetable-api/pkg/errors"
	"github.com/campusworks/timetable-api/pkg/response"
)

type timetableService interface {
	Create(ctx context.Context, req service.CreateSlotRequest) (*models.SlotDetail, error)
	Update(ctx context.Context, id string, req service.UpdateSlotRequest) (*models.SlotDetail, error)
	Delete(ctx context.Context, id string) error
	GetSlot(ctx context.Context, id string) (*models.SlotDetail, error)
	List(ctx context.Context, filter models.SlotFilter) ([]models.SlotDetail, *models.Pagination, error)
	GetTimetableByClass(ctx context.Context, classID string) (map[string][]models.SlotDetail, error)
	GetTimetableByTeacher(ctx context.Context, teacherID string) (map[string][]models.SlotDetail, error)
	GetTimetableByRoom(ctx context.Context, roomID string) (map[string][]models.SlotDetail, error)
	ExportTimetableByClass(ctx context.Context, classID, format string) ([]byte, string, error)
}

// TimetableHandler manages timetable endpoints.
type TimetableHandler struct {
	service timetableService
}

// NewTimetableHandler constructs handler.
func NewTimetableHandler(svc timetableService) *TimetableHandler {
	return &TimetableHandler{service: svc}
}

// List godoc
// @Summary List timetable slots
// @Tags Timetable
// @Produce json
// @Param classId query string false "Filter by class"
// @Param teacherId query string false "Filter by teacher"
// @Param roomId query string false "Filter by room"
// @Param subjectId query string false "Filter by subject"
// @Param dayOfWeek query string false "Filter by day"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /timetable [get]
func (h *TimetableHandler) List(c *gin.Context) {
	var filter models.SlotFilter
	filter.ClassID = c.Query("classId")
	filter.TeacherID = c.Query("teacherId")
	filter.RoomID = c.Query("roomId")
	filter.SubjectID = c.Query("subjectId")
	filter.DayOfWeek = strings.ToUpper(c.Query("dayOfWeek"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = limit
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	slots, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slots, pagination)
}

// Create godoc
// @Summary Create timetable slot
// @Tags Timetable
// @Accept json
// @Produce json
// @Param payload body service.CreateSlotRequest true "Slot payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /timetable [post]
func (h *TimetableHandler) Create(c *gin.Context) {
	var req service.CreateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	slot, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, slot)
}

// GetByClass godoc
// @Summary Class timetable grouped by day
// @Tags Timetable
// @Produce json
// @Param id path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /timetable/class/{id} [get]
func (h *TimetableHandler) GetByClass(c *gin.Context) {
	timetable, err := h.service.GetTimetableByClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, timetable, nil)
}

// GetByTeacher godoc
// @Summary Teacher timetable grouped by day
// @Tags Timetable
// @Produce json
// @Param id path string true "Teacher ID"
// @Success 200 {object} response.Envelope
// @Router /timetable/teacher/{id} [get]
func (h *TimetableHandler) GetByTeacher(c *gin.Context) {
	timetable, err := h.service.GetTimetableByTeacher(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, timetable, nil)
}

// GetByRoom godoc
// @Summary Room timetable grouped by day
// @Tags Timetable
// @Produce json
// @Param id path string true "Room ID"
// @Success 200 {object} response.Envelope
// @Router /timetable/room/{id} [get]
func (h *TimetableHandler) GetByRoom(c *gin.Context) {
	timetable, err := h.service.GetTimetableByRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, timetable, nil)
}

// GetSlot godoc
// @Summary Get a single timetable slot
// @Tags Timetable
// @Produce json
// @Param id path string true "Slot ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetable/slot/{id} [get]
func (h *TimetableHandler) GetSlot(c *gin.Context) {
	slot, err := h.service.GetSlot(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slot, nil)
}

// Update godoc
// @Summary Patch timetable slot
// @Tags Timetable
// @Accept json
// @Produce json
// @Param id path string true "Slot ID"
// @Param payload body service.UpdateSlotRequest true "Partial slot payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /timetable/slot/{id} [patch]
func (h *TimetableHandler) Update(c *gin.Context) {
	var req service.UpdateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	slot, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slot, nil)
}

// Delete godoc
// @Summary Delete timetable slot
// @Tags Timetable
// @Produce json
// @Param id path string true "Slot ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetable/slot/{id} [delete]
func (h *TimetableHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"message": "timetable slot deleted"}, nil)
}

// Export godoc
// @Summary Export a class timetable
// @Tags Timetable
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Class ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} byte
// @Router /timetable/class/{id}/export [get]
func (h *TimetableHandler) Export(c *gin.Context) {
	classID := c.Param("id")
	format := c.DefaultQuery("format", "csv")

	payload, contentType, err := h.service.ExportTimetableByClass(c.Request.Context(), classID, format)
	if err != nil {
		response.Error(c, err)
		return
	}

	ext := "csv"
	if contentType == "application/pdf" {
		ext = "pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="timetable-%s.%s"`, classID, ext))
	c.Data(http.StatusOK, contentType, payload)
}
