/**
 * @description
 * This file sets up the HTTP router for the card-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CardRoutes creates and returns a new router for the card service.
func CardRoutes(h *CardHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(PrincipalAuthMiddleware(jwtSecret))

		r.Post("/cards", h.CreateCardHandler)
		r.Get("/cards", h.ListCardsHandler)
		r.Get("/cards/search", h.SearchCardsHandler)
		r.Get("/cards/{id}", h.GetCardHandler)
		r.Put("/cards/{id}", h.UpdateCardHandler)
		r.Delete("/cards/{id}", h.DeleteCardHandler)
		r.Post("/cards/{id}/block", h.BlockCardHandler)
		r.Post("/cards/{id}/activate", h.ActivateCardHandler)

		r.Post("/transfers", h.TransferHandler)
	})

	return r
}
