package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs routers in order; earlier routes take precedence.
func InstallRouter(app *fiber.App, routers ...Router) {
	for _, r := range routers {
		r.InstallRouter(app)
	}
}
