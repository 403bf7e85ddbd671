package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/buildvector/TicTacToe/services"
)

func SetupMatchRoutes(app *fiber.App, matchService *services.MatchService) {
	// Read-only routes: anyone can discover and watch matches.
	app.Get("/matches", matchService.ListOpenMatches)
	app.Get("/matches/:id", matchService.GetMatch)
	app.Get("/history", matchService.GetHistory)

	// Mutating routes. Create/join authorize via proof-of-deposit; the
	// rest via the session token minted at deposit time.
	app.Post("/matches", matchService.CreateMatch)
	app.Post("/matches/:id/join", matchService.JoinMatch)
	app.Post("/matches/:id/move", matchService.SubmitMove)
	app.Post("/matches/:id/claim", matchService.ClaimTimeout)
	app.Post("/matches/:id/cancel", matchService.CancelMatch)
}
