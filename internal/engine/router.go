package engine

import "github.com/gofiber/fiber/v2"

func RegisterPipelineRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api/_hooks", middleware...)

	api.Get("/tables", h.ListTables)
	api.Post("/tables/register", h.RegisterTable)
	api.Post("/tables/unregister", h.UnregisterTable)

	api.Post("/preview", h.Preview)
	api.Post("/capture", h.Capture)

	api.Get("/events", h.ListEvents)
	api.Get("/events/:id", h.GetEvent)
}
