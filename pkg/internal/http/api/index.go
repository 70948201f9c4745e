package api

import (
	"git.solsynth.dev/hypernet/calling/pkg/internal/http/exts"
	"github.com/gofiber/fiber/v2"
)

func MapAPIs(app *fiber.App, baseURL string) {
	api := app.Group(baseURL).Use(exts.AuthMiddleware).Name("API")
	{
		calls := api.Group("/calls/:peer").Name("Calls API")
		{
			calls.Get("/", listCallHistory)
			calls.Post("/", startCall)
			calls.Post("/decline", declineCall)
			calls.Get("/ongoing", getOngoingCall)
			calls.Get("/ongoing/events", streamCallEvents)
			calls.Put("/ongoing/mute", muteCall)
			calls.Delete("/ongoing", endCall)
		}
	}
}
