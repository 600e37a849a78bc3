package server

import (
	"log/slog"
	"net/http"

	"stockcast/internal/handlers"
)

type Server struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	apiHandlers *handlers.APIHandlers
}

func NewServer(predictor handlers.Predictor, lister handlers.ModelLister, version string, logger *slog.Logger) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		logger:      logger,
		apiHandlers: handlers.NewAPIHandlers(predictor, lister, version, logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.apiHandlers.HandleHealth)

	s.mux.HandleFunc("POST /api/predict", s.apiHandlers.HandlePredict)
	s.mux.HandleFunc("POST /api/predict/batch", s.apiHandlers.HandleBatch)
	s.mux.HandleFunc("GET /api/models", s.apiHandlers.HandleModels)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
