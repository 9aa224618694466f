// Package server exposes the board and execution engine over HTTP.
// Execution endpoints stream NDJSON: one log entry per line, flushed as it
// is written, with the final line carrying the updated task entity.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/taskdeck/taskdeck/internal/execlog"
	"github.com/taskdeck/taskdeck/internal/orchestrator"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// Executor runs execution attempts. Satisfied by *orchestrator.Orchestrator.
type Executor interface {
	Start(ctx context.Context, taskID, prompt string, sink orchestrator.Sink) error
	Answer(ctx context.Context, taskID, answer string, sink orchestrator.Sink) error
}

// Differ summarizes pending changes in a work path. Satisfied by
// *worktree.Manager.
type Differ interface {
	Diff(ctx context.Context, workPath string) (worktree.DiffResult, error)
}

// Server is the HTTP transport.
type Server struct {
	tasks  *task.Store
	log    *execlog.Store
	exec   Executor
	differ Differ
	engine *gin.Engine
	logger *slog.Logger
}

// New builds the router. CORS is wide open; the API is meant for a local
// board UI.
func New(tasks *task.Store, log *execlog.Store, exec Executor, differ Differ, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		tasks:  tasks,
		log:    log,
		exec:   exec,
		differ: differ,
		engine: engine,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.health)
	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.POST("/tasks/:id/execute", s.executeTask)
	api.POST("/tasks/:id/answer", s.answerTask)
	api.GET("/tasks/:id/log", s.taskLog)
	api.GET("/tasks/:id/diff", s.taskDiff)
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createTaskRequest struct {
	Title string `json:"title"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	created, err := s.tasks.Create(c.Request.Context(), task.Task{Title: req.Title})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.tasks.List(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type executeRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) executeTask(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	id := c.Param("id")
	s.streamAttempt(c, func(sink orchestrator.Sink) error {
		return s.exec.Start(c.Request.Context(), id, req.Prompt, sink)
	})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) answerTask(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Answer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer is required"})
		return
	}
	id := c.Param("id")
	s.streamAttempt(c, func(sink orchestrator.Sink) error {
		return s.exec.Answer(c.Request.Context(), id, req.Answer, sink)
	})
}

// streamAttempt runs one attempt, writing each forwarded frame as a JSON
// line and flushing it immediately. The response status is decided by the
// first frame: precondition failures happen before anything is streamed
// and still map to plain status codes.
func (s *Server) streamAttempt(c *gin.Context, run func(orchestrator.Sink) error) {
	var (
		mu      sync.Mutex
		started bool
	)
	flusher, _ := c.Writer.(http.Flusher)
	enc := json.NewEncoder(c.Writer)

	sink := func(msg orchestrator.Message) {
		mu.Lock()
		defer mu.Unlock()
		if !started {
			started = true
			c.Header("Content-Type", "application/x-ndjson")
			c.Header("Cache-Control", "no-cache")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		if err := enc.Encode(msg); err != nil {
			s.logger.Warn("stream write failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := run(sink)

	mu.Lock()
	defer mu.Unlock()
	if started {
		// The attempt's outcome already went out as log frames.
		return
	}
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, orchestrator.ErrNotPaused),
		errors.Is(err, orchestrator.ErrNoSession),
		errors.Is(err, orchestrator.ErrNoWorktree):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

// taskLog returns the full ordered log plus the derived views the board
// renders: the current plan and any outstanding question.
func (s *Server) taskLog(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.tasks.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.internalError(c, err)
		return
	}

	entries, err := s.log.List(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if entries == nil {
		entries = []execlog.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":  entries,
		"todos":    execlog.Todos(entries),
		"question": execlog.OutstandingQuestion(entries),
	})
}

func (s *Server) taskDiff(c *gin.Context) {
	t, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	if t.WorktreePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no work path recorded for task"})
		return
	}
	diff, err := s.differ.Diff(c.Request.Context(), t.WorktreePath)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
