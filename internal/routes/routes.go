package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/philocalist9/gym-manage-sub000/internal/config"
	"github.com/philocalist9/gym-manage-sub000/internal/handlers"
	"github.com/philocalist9/gym-manage-sub000/internal/middleware"
	"github.com/philocalist9/gym-manage-sub000/internal/services"
	appointmentws "github.com/philocalist9/gym-manage-sub000/internal/websocket"
)

func RegisterRoutes(
	app *fiber.App,
	cfg *config.Config,
	appointmentService *services.AppointmentService,
	hub *appointmentws.Hub,
) error {
	appointmentHandler := handlers.NewAppointmentHandler(appointmentService)
	eventsHandler := handlers.NewEventsHandler(hub, cfg.JWTSecret)

	if err := registerDocsRoutes(app, cfg); err != nil {
		return err
	}

	api := app.Group("/api")

	// Registered ahead of the bearer-protected group so ?token= upgrades are
	// not rejected for lacking a header.
	api.Use("/v1/ws", eventsHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(eventsHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	appointments := authProtected.Group("/appointments")
	appointments.Post("", appointmentHandler.CreateAppointment)
	appointments.Get("", appointmentHandler.ListAppointments)
	appointments.Get("/:id", appointmentHandler.GetAppointment)
	appointments.Patch("/:id", appointmentHandler.UpdateAppointment)

	trainers := authProtected.Group("/trainers")
	trainers.Get("/:trainerId/week", appointmentHandler.GetTrainerWeek)

	return nil
}
