package httpapi

import (
	"net/http"

	"agentqueue/internal/config"
	"agentqueue/internal/queue"
	"agentqueue/internal/store"
)

type Server struct {
	cfg    config.Config
	store  store.Store
	engine *queue.Engine
	mux    *http.ServeMux
}

func NewServer(cfg config.Config, st store.Store) *Server {
	initJWTKey(cfg.JWTSecret)
	s := &Server{
		cfg:    cfg,
		store:  st,
		engine: queue.New(st),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverMiddleware(h)
	h = requestIDMiddleware(h)
	h = loggingMiddleware(h)
	h = s.authMiddleware(h)
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.HandleFunc("/v1/auth/register", s.handleRegister)
	s.mux.HandleFunc("/v1/auth/login", s.handleLogin)

	s.mux.HandleFunc("/v1/keys", s.handleKeys)
	s.mux.HandleFunc("/v1/keys/{id}", s.handleKey)

	s.mux.HandleFunc("/v1/tasks", s.handleTasks)
	s.mux.HandleFunc("/v1/tasks/bulk", s.handleTasksBulk)
	s.mux.HandleFunc("/v1/tasks/peek", s.handleTasksPeek)
	s.mux.HandleFunc("/v1/tasks/claim", s.handleTasksClaim)
	s.mux.HandleFunc("/v1/tasks/{id}", s.handleTask)
	s.mux.HandleFunc("/v1/tasks/{id}/complete", s.handleTaskComplete)
	s.mux.HandleFunc("/v1/tasks/{id}/subtasks", s.handleTaskSubtasks)
	s.mux.HandleFunc("/v1/tasks/{id}/dependencies", s.handleTaskDependencies)
	s.mux.HandleFunc("/v1/tasks/{id}/dependencies/{depID}", s.handleTaskDependency)
	s.mux.HandleFunc("/v1/tasks/{id}/messages", s.handleTaskMessages)
	s.mux.HandleFunc("/v1/tasks/{id}/attachments", s.handleTaskAttachments)
	s.mux.HandleFunc("/v1/tasks/{id}/activity", s.handleTaskActivity)

	s.mux.HandleFunc("/v1/projects", s.handleProjects)
}
