package main

import (
	"fmt"
	"net/http"

	"github.com/mcdev12/arena/go/internal/battle/gateway"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(services *Services, cm *gateway.ConnectionManager) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	handlers := gateway.NewHandlers(services.Coordinator, services.Rooms, services.Moves).WithPresence(cm)
	handlers.RegisterRoutes(mux)

	wsHandler := gateway.NewWebSocketHandler(cm)
	wsHandler.RegisterRoutes(mux)

	handler := c.Handler(mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:    fmt.Sprintf(":%s", getEnv("PORT", "8080")),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
