package handlers

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
	"github.com/philocalist9/gym-manage-sub000/internal/services"
	"github.com/philocalist9/gym-manage-sub000/pkg/utils"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type appointmentApplicationService interface {
	BookAppointment(ctx context.Context, draft models.AppointmentDraft) (*models.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID string) (*models.Appointment, error)
	ListAppointments(ctx context.Context, trainerID string, startDate, endDate models.Date) ([]models.Appointment, error)
	UpdateAppointment(ctx context.Context, appointmentID string, update services.AppointmentUpdate) (*models.Appointment, error)
	GetWeek(ctx context.Context, trainerID string, weekStart models.Date) (*models.WeekGrid, error)
}

type AppointmentHandler struct {
	service appointmentApplicationService
}

func NewAppointmentHandler(service *services.AppointmentService) *AppointmentHandler {
	return &AppointmentHandler{service: service}
}

type createAppointmentRequest struct {
	MemberID  string  `json:"memberId" validate:"required,max=128"`
	TrainerID string  `json:"trainerId" validate:"required,max=128"`
	GymID     string  `json:"gymId" validate:"required,max=128"`
	Date      string  `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string  `json:"startTime" validate:"required,datetime=15:04"`
	EndTime   string  `json:"endTime" validate:"required,datetime=15:04"`
	Type      string  `json:"type" validate:"required,oneof=personal-training assessment consultation"`
	Status    string  `json:"status" validate:"omitempty,oneof=pending confirmed"`
	Notes     *string `json:"notes" validate:"omitempty,max=2000"`
}

type updateAppointmentRequest struct {
	Status *string `json:"status" validate:"omitempty,min=1"`
	Notes  *string `json:"notes" validate:"omitempty,max=2000"`
}

type actor struct {
	userID string
	role   string
}

func currentActor(c *fiber.Ctx) (actor, bool) {
	userID, _ := c.Locals("user_id").(string)
	role, _ := c.Locals("role").(string)
	if strings.TrimSpace(userID) == "" {
		return actor{}, false
	}
	if role != utils.RoleTrainer && role != utils.RoleMember {
		return actor{}, false
	}
	return actor{userID: userID, role: role}, true
}

func (a actor) initiator() models.Initiator {
	if a.role == utils.RoleTrainer {
		return models.InitiatorTrainer
	}
	return models.InitiatorMember
}

// canAccess reports whether the caller is a party to the appointment.
func (a actor) canAccess(appointment *models.Appointment) bool {
	if a.role == utils.RoleTrainer {
		return appointment.TrainerID == a.userID
	}
	return appointment.MemberID == a.userID
}

func (h *AppointmentHandler) CreateAppointment(c *fiber.Ctx) error {
	caller, ok := currentActor(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	var req createAppointmentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	if caller.role == utils.RoleTrainer && req.TrainerID != caller.userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Trainers may only book their own schedule"})
	}
	if caller.role == utils.RoleMember && req.MemberID != caller.userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Members may only book for themselves"})
	}

	date, err := models.ParseDate(req.Date)
	if err != nil {
		return badRequest(c, "date", err.Error())
	}
	startTime, err := models.ParseTimeOfDay(req.StartTime)
	if err != nil {
		return badRequest(c, "startTime", err.Error())
	}
	endTime, err := models.ParseTimeOfDay(req.EndTime)
	if err != nil {
		return badRequest(c, "endTime", err.Error())
	}

	appointment, err := h.service.BookAppointment(c.UserContext(), models.AppointmentDraft{
		MemberID:  req.MemberID,
		TrainerID: req.TrainerID,
		GymID:     req.GymID,
		Date:      date,
		StartTime: startTime,
		EndTime:   endTime,
		Type:      models.AppointmentType(req.Type),
		Status:    models.AppointmentStatus(req.Status),
		Notes:     req.Notes,
		Initiator: caller.initiator(),
	})
	if err != nil {
		return mapAppointmentError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"appointment": appointment})
}

func (h *AppointmentHandler) ListAppointments(c *fiber.Ctx) error {
	caller, ok := currentActor(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	trainerID := strings.TrimSpace(c.Query("trainerId"))
	if trainerID == "" && caller.role == utils.RoleTrainer {
		trainerID = caller.userID
	}
	if trainerID == "" {
		return badRequest(c, "trainerId", "is required")
	}
	if caller.role == utils.RoleTrainer && trainerID != caller.userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Trainers may only view their own schedule"})
	}

	startDate, err := models.ParseDate(strings.TrimSpace(c.Query("startDate")))
	if err != nil {
		return badRequest(c, "startDate", err.Error())
	}
	endDate, err := models.ParseDate(strings.TrimSpace(c.Query("endDate")))
	if err != nil {
		return badRequest(c, "endDate", err.Error())
	}

	appointments, err := h.service.ListAppointments(c.UserContext(), trainerID, startDate, endDate)
	if err != nil {
		return mapAppointmentError(c, err)
	}

	return c.JSON(fiber.Map{"appointments": redactForCaller(caller, appointments)})
}

func (h *AppointmentHandler) GetAppointment(c *fiber.Ctx) error {
	caller, ok := currentActor(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	appointment, err := h.service.GetAppointment(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapAppointmentError(c, err)
	}
	if !caller.canAccess(appointment) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	return c.JSON(fiber.Map{"appointment": appointment})
}

// UpdateAppointment applies a status change, a notes change, or both. Members
// may only cancel.
func (h *AppointmentHandler) UpdateAppointment(c *fiber.Ctx) error {
	caller, ok := currentActor(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	var req updateAppointmentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}
	if req.Status == nil && req.Notes == nil {
		return badRequest(c, "status", "status or notes is required")
	}

	appointmentID := c.Params("id")
	appointment, err := h.service.GetAppointment(c.UserContext(), appointmentID)
	if err != nil {
		return mapAppointmentError(c, err)
	}
	if !caller.canAccess(appointment) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	if req.Status != nil {
		requested, err := services.NormalizeStatus(*req.Status)
		if err != nil {
			return mapAppointmentError(c, err)
		}
		if caller.role == utils.RoleMember && requested != models.StatusCancelled {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Members may only cancel appointments"})
		}
	}

	appointment, err = h.service.UpdateAppointment(c.UserContext(), appointmentID, services.AppointmentUpdate{
		Status: req.Status,
		Notes:  req.Notes,
	})
	if err != nil {
		return mapAppointmentError(c, err)
	}

	return c.JSON(fiber.Map{"appointment": appointment})
}

func (h *AppointmentHandler) GetTrainerWeek(c *fiber.Ctx) error {
	caller, ok := currentActor(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	trainerID := strings.TrimSpace(c.Params("trainerId"))
	if caller.role == utils.RoleTrainer && trainerID != caller.userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Trainers may only view their own schedule"})
	}

	weekStart, err := models.ParseDate(strings.TrimSpace(c.Query("start")))
	if err != nil {
		return badRequest(c, "start", err.Error())
	}

	week, err := h.service.GetWeek(c.UserContext(), trainerID, weekStart)
	if err != nil {
		return mapAppointmentError(c, err)
	}

	for i := range week.Days {
		for j := range week.Days[i].Slots {
			slot := &week.Days[i].Slots[j]
			slot.Appointments = redactForCaller(caller, slot.Appointments)
		}
	}

	return c.JSON(fiber.Map{"week": week})
}

// redactForCaller hides other members' identity and notes when a member
// browses a trainer's schedule.
func redactForCaller(caller actor, appointments []models.Appointment) []models.Appointment {
	if caller.role != utils.RoleMember {
		return appointments
	}
	for i := range appointments {
		if appointments[i].MemberID == caller.userID {
			continue
		}
		appointments[i].MemberID = ""
		appointments[i].Notes = nil
	}
	return appointments
}

func badRequest(c *fiber.Ctx, field, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": field + ": " + message,
		"field": field,
	})
}

func validationFailed(c *fiber.Ctx, err error) error {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		first := fieldErrors[0]
		message := "failed on the '" + first.Tag() + "' rule"
		if first.Param() != "" {
			message = "failed on the '" + first.Tag() + "=" + first.Param() + "' rule"
		}
		return badRequest(c, first.Field(), message)
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

func mapAppointmentError(c *fiber.Ctx, err error) error {
	var (
		validationErr *services.ValidationError
		transitionErr *services.InvalidTransitionError
		conflictErr   *services.ConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		return badRequest(c, validationErr.Field, validationErr.Message)
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Appointment not found"})
	case errors.As(err, &transitionErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":           err.Error(),
			"currentStatus":   transitionErr.From,
			"requestedStatus": transitionErr.To,
		})
	case errors.As(err, &conflictErr):
		ids := conflictErr.ConflictingIDs
		if ids == nil {
			ids = []string{}
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":          conflictErr.Message,
			"conflictingIds": ids,
		})
	case errors.Is(err, services.ErrStorage):
		logging.FromContext(c.UserContext()).Error().Err(err).Str("path", c.Path()).Msg("storage failure")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Scheduling store unavailable, retry later"})
	default:
		logging.FromContext(c.UserContext()).Error().Err(err).Str("path", c.Path()).Msg("unhandled appointment error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process appointment request"})
	}
}
