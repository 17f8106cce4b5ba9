package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/craftloghq/connect/app/controllers"
	"github.com/craftloghq/connect/internal/pkg/connect"
)

// HttpRouter carries the browser-facing flow routes: consent redirects and
// the shared OAuth callback.
type HttpRouter struct {
	ctl *controllers.ConnectController
}

func NewHttpRouter(svc *connect.Service) *HttpRouter {
	return &HttpRouter{ctl: controllers.NewConnectController(svc)}
}

func (h *HttpRouter) InstallRouter(app *fiber.App) {
	group := app.Group("/connect")
	group.Get("/callback", h.ctl.Callback)
	group.Get("/group/:group", h.ctl.ConnectGroup)
	group.Get("/:provider", h.ctl.Connect)
}
