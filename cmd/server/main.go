package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"hookrelay/internal/admin"
	"hookrelay/internal/auth"
	"hookrelay/internal/config"
	"hookrelay/internal/engine"
	"hookrelay/internal/metadata"
	"hookrelay/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s:%d/%s)", cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Create registry and load webhook configurations
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.Pool, reg); err != nil {
		log.Printf("WARN: Failed to load webhooks: %v", err)
	}

	// 5. Restore the monitored-table set
	monitor := engine.NewMonitor(nil)
	if err := monitor.LoadFromStore(ctx, db.Pool); err != nil {
		log.Fatalf("Failed to load monitored tables: %v", err)
	}

	// 6. Assemble the capture pipeline
	matcher := engine.NewMatcher(reg)
	queue := engine.NewQueue(db, cfg.Delivery.WakeChannel)
	capturer := engine.NewCapturer(monitor, matcher, queue)

	// 7. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 8. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 9. Auth middleware for all protected routes
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()

	// 10. Webhook management routes (auth + admin required)
	adminHandler := admin.NewHandler(db, reg, monitor)
	admin.RegisterAdminRoutes(app, adminHandler, authMW, adminMW)

	// 11. Pipeline routes: scoping, capture ingest, preview, audit (auth required)
	pipelineHandler := engine.NewHandler(db, reg, monitor, matcher, capturer)
	engine.RegisterPipelineRoutes(app, pipelineHandler, authMW)

	// 12. Start the delivery worker pool
	pool := engine.NewWorkerPool(db, reg, queue, cfg.Delivery)
	pool.Start()
	defer pool.Stop()

	// 13. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
