package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/craftloghq/connect/internal/pkg/connect"
)

// Router installs a set of routes onto the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers every route group of the service.
func InstallRouter(app *fiber.App, svc *connect.Service) {
	setup(app, NewHttpRouter(svc), NewApiRouter(svc))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
