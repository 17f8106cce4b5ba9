package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/craftloghq/connect/app/controllers"
	"github.com/craftloghq/connect/internal/pkg/connect"
)

// ApiRouter carries the JSON surface the surrounding application calls.
type ApiRouter struct {
	ctl *controllers.ConnectController
}

func NewApiRouter(svc *connect.Service) *ApiRouter {
	return &ApiRouter{ctl: controllers.NewConnectController(svc)}
}

func (a *ApiRouter) InstallRouter(app *fiber.App) {
	v1 := app.Group("/api/v1")
	v1.Get("/connections", a.ctl.Connections)
	v1.Get("/connections/validate", a.ctl.Validate)
	v1.Post("/disconnect/:provider", a.ctl.Disconnect)
}
