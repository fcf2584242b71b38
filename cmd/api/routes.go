package main

import (
	"log/slog"
	"net/http"

	"github.com/pixelmint/backend/internal/auth"
	"github.com/pixelmint/backend/internal/generation"
	"github.com/pixelmint/backend/internal/handlers"
	"github.com/pixelmint/backend/internal/middleware"
	"github.com/pixelmint/backend/internal/repository"
	"github.com/pixelmint/backend/internal/services"
)

// RegisterV1Routes adds the /v1/ generation API endpoints to the given mux.
// Middleware chain: BearerAuth -> (RequireAdmin on admin routes) -> handler.
func RegisterV1Routes(
	mux *http.ServeMux,
	authSvc auth.Service,
	userRepo *repository.UserRepo,
	genSvc *generation.Service,
	creditsSvc handlers.CreditsService,
	validator *services.Validator,
	logger *slog.Logger,
) {
	gh := &handlers.GenerationHandler{
		Service:   genSvc,
		Validator: validator,
		Logger:    logger,
	}
	ch := &handlers.CreditsHandler{
		Credits: creditsSvc,
		Logger:  logger,
	}

	bearer := middleware.BearerAuth(authSvc, userRepo)

	mux.Handle("POST /v1/generations", bearer(http.HandlerFunc(gh.CreateGeneration)))
	mux.Handle("GET /v1/generations/{id}", bearer(http.HandlerFunc(gh.GetGeneration)))
	mux.Handle("GET /v1/generations", bearer(http.HandlerFunc(gh.ListGenerations)))

	mux.Handle("POST /v1/grants", bearer(middleware.RequireAdmin(http.HandlerFunc(ch.CreateGrant))))
	mux.Handle("POST /v1/finalize", bearer(middleware.RequireAdmin(http.HandlerFunc(ch.FinalizeReservation))))

	mux.HandleFunc("GET /v1/actions", handlers.ListActions)
}
