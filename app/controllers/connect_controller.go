package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/craftloghq/connect/internal/pkg/autherr"
	"github.com/craftloghq/connect/internal/pkg/connect"
)

// ConnectController exposes the token lifecycle core over HTTP. The
// surrounding application authenticates users and proxies their identity in;
// this surface only needs a numeric user id.
type ConnectController struct {
	svc *connect.Service
}

// NewConnectController wires the controller to the service.
func NewConnectController(svc *connect.Service) *ConnectController {
	return &ConnectController{svc: svc}
}

func userIDParam(c *fiber.Ctx, key string) (uint, error) {
	raw := c.Query(key)
	if raw == "" {
		raw = c.Params(key)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("missing or invalid user id")
	}
	return uint(id), nil
}

// Connect redirects the user to the provider's consent screen.
func (ctl *ConnectController) Connect(c *fiber.Ctx) error {
	userID, err := userIDParam(c, "user")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	url, err := ctl.svc.BuildAuthorizationURL(c.Context(), userID, c.Params("provider"))
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

// ConnectGroup is Connect for a provider group (one consent, several tools).
func (ctl *ConnectController) ConnectGroup(c *fiber.Ctx) error {
	userID, err := userIDParam(c, "user")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	url, err := ctl.svc.BuildGroupAuthorizationURL(c.Context(), userID, c.Params("group"))
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

// Callback is the shared OAuth redirect target.
func (ctl *ConnectController) Callback(c *fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing code or state parameter"})
	}
	created, err := ctl.svc.HandleCallback(c.Context(), code, state)
	if err != nil {
		return ctl.fail(c, err)
	}
	providers := make([]string, 0, len(created))
	for _, integration := range created {
		providers = append(providers, integration.Provider)
	}
	return c.JSON(fiber.Map{"connected": providers})
}

// Disconnect revokes best-effort and deactivates the connection.
func (ctl *ConnectController) Disconnect(c *fiber.Ctx) error {
	userID, err := userIDParam(c, "user")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := ctl.svc.Disconnect(c.Context(), userID, c.Params("provider")); err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(fiber.Map{"disconnected": c.Params("provider")})
}

// Connections lists the user's active connections without token material.
func (ctl *ConnectController) Connections(c *fiber.Ctx) error {
	userID, err := userIDParam(c, "user")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	infos, err := ctl.svc.Connections(c.Context(), userID)
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(fiber.Map{"connections": infos})
}

// Validate checks every connection of the user.
func (ctl *ConnectController) Validate(c *fiber.Ctx) error {
	userID, err := userIDParam(c, "user")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	statuses, err := ctl.svc.ValidateAll(c.Context(), userID)
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(fiber.Map{"statuses": statuses})
}

// fail maps domain errors to HTTP without leaking provider error bodies.
func (ctl *ConnectController) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, autherr.ErrInvalidState):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": autherr.ErrInvalidState.Error()})
	case errors.Is(err, autherr.ErrReauthorizationRequired):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": autherr.ErrReauthorizationRequired.Error()})
	case errors.Is(err, autherr.ErrNotConnected):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": autherr.ErrNotConnected.Error()})
	case autherr.IsTransient(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": autherr.ErrTransientFailure.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
