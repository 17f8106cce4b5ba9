package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/craftloghq/connect/internal/pkg/cache"
	"github.com/craftloghq/connect/internal/pkg/connect"
	"github.com/craftloghq/connect/internal/pkg/database"
	"github.com/craftloghq/connect/internal/pkg/env"
	"github.com/craftloghq/connect/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	svc, err := connect.NewFromEnv()
	if err != nil {
		// Misconfiguration (e.g. missing vault key) must never boot a
		// half-working token service.
		log.Fatal(err)
	}

	app := fiber.New(fiber.Config{
		AppName: "connect",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, svc)

	return app
}
