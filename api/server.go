// Package api exposes document base management and conversational question
// answering over HTTP. Every conversation is a session holding its own
// orchestrator.
package api

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/logging"
	"github.com/fabfab/docbase-rag/rag"
	"github.com/fabfab/docbase-rag/registry"
)

//go:embed openapi.yaml
var openAPISpecYAML []byte

var errBaseInUse = errors.New("document base is active in another session")

type Options struct {
	// NewSession builds an uninitialized orchestrator for a new conversation.
	NewSession func() (*rag.Orchestrator, error)
	// Bases serves base management outside of any session. It is never
	// initialized.
	Bases      *rag.Orchestrator
	SessionTTL time.Duration
	Logger     *zap.Logger
}

// Server exposes HTTP handlers for document bases and sessions.
type Server struct {
	newSession func() (*rag.Orchestrator, error)
	bases      *rag.Orchestrator
	sessions   *sessionStore
	logger     *zap.Logger
	engine     *gin.Engine
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type createSessionRequest struct {
	Credential string `json:"credential"`
}

type sessionResponse struct {
	SessionID  string         `json:"session_id"`
	Base       string         `json:"base"`
	Stage      string         `json:"stage"`
	LiveChunks int            `json:"live_chunks"`
	History    []turnResponse `json:"history"`
}

type turnResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type baseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

type baseResponse struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StorageLocation string    `json:"storage_location"`
	NumDocuments    int       `json:"num_documents"`
	NumChunks       int       `json:"num_chunks"`
	Documents       []string  `json:"documents"`
}

type switchRequest struct {
	Base string `json:"base"`
}

type loadRequest struct {
	Files     []string `json:"files"`
	Directory string   `json:"directory"`
	Base      string   `json:"base"`
}

type loadResponse struct {
	Base      string        `json:"base"`
	Chunks    int           `json:"chunks"`
	Documents int           `json:"documents"`
	Failures  []fileFailure `json:"failures"`
}

type fileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type askResponse struct {
	Answer   string   `json:"answer"`
	Question string   `json:"question,omitempty"`
	Sources  []string `json:"sources"`
	Error    string   `json:"error,omitempty"`
}

func New(opts Options) (*Server, error) {
	if opts.NewSession == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if opts.Bases == nil {
		return nil, fmt.Errorf("base manager is required")
	}

	logger := logging.OrNop(opts.Logger).Named("api")
	s := &Server{
		newSession: opts.NewSession,
		bases:      opts.Bases,
		sessions:   newSessionStore(opts.SessionTTL, logger),
		logger:     logger,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close ends every session.
func (s *Server) Close() {
	s.sessions.closeAll()
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Accept"}
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/openapi.yaml", s.handleOpenAPI)

	v1 := engine.Group("/v1")
	v1.GET("/bases", s.handleListBases)
	v1.POST("/bases", s.handleCreateBase)
	v1.DELETE("/bases/:name", s.handleDeleteBase)
	v1.PATCH("/bases/:name", s.handleRenameBase)

	v1.POST("/sessions", s.handleCreateSession)
	sess := v1.Group("/sessions/:id", s.loadSession)
	sess.GET("", s.handleGetSession)
	sess.DELETE("", s.handleEndSession)
	sess.POST("/switch", s.handleSwitch)
	sess.POST("/documents", s.handleLoad)
	sess.DELETE("/documents", s.handleClearDocuments)
	sess.DELETE("/history", s.handleClearHistory)
	sess.POST("/ask", s.handleAsk)
	sess.POST("/ask/stream", s.handleAskStream)
	sess.DELETE("/bases/:name", s.handleSessionDeleteBase)
	sess.PATCH("/bases/:name", s.handleSessionRenameBase)

	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleOpenAPI(c *gin.Context) {
	c.Header("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	c.Data(http.StatusOK, "text/yaml; charset=utf-8", openAPISpecYAML)
}

func (s *Server) handleListBases(c *gin.Context) {
	bases, err := s.bases.ListBases()
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]baseResponse, len(bases))
	for i, base := range bases {
		out[i] = toBaseResponse(base)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateBase(c *gin.Context) {
	var req baseRequest
	if !s.bind(c, &req) {
		return
	}

	if _, err := s.bases.CreateBase(c.Request.Context(), req.Name, req.Description); err != nil {
		s.writeError(c, err)
		return
	}

	base, err := s.bases.GetBase(req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBaseResponse(base))
}

func (s *Server) handleDeleteBase(c *gin.Context) {
	name := c.Param("name")
	if n := s.sessions.activeOn(name, ""); n > 0 {
		s.writeError(c, fmt.Errorf("%w: %s (%d sessions)", errBaseInUse, name, n))
		return
	}
	if err := s.bases.DeleteBase(c.Request.Context(), name); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRenameBase(c *gin.Context) {
	name := c.Param("name")
	var req renameRequest
	if !s.bind(c, &req) {
		return
	}
	if n := s.sessions.activeOn(name, ""); n > 0 {
		s.writeError(c, fmt.Errorf("%w: %s (%d sessions)", errBaseInUse, name, n))
		return
	}
	if err := s.bases.RenameBase(c.Request.Context(), name, req.NewName); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "renamed"})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if !s.bind(c, &req) {
		return
	}

	orch, err := s.newSession()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := orch.Initialize(c.Request.Context(), req.Credential); err != nil {
		_ = orch.Close()
		s.writeError(c, err)
		return
	}

	id := s.sessions.add(orch)
	s.logger.Info("session started", zap.String("session", id), zap.String("base", orch.CurrentBase()))
	c.JSON(http.StatusCreated, s.describe(c, id, orch))
}

func (s *Server) loadSession(c *gin.Context) {
	orch, ok := s.sessions.get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "unknown session"})
		return
	}
	c.Set("orchestrator", orch)
	c.Next()
}

func session(c *gin.Context) *rag.Orchestrator {
	return c.MustGet("orchestrator").(*rag.Orchestrator)
}

func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.describe(c, c.Param("id"), session(c)))
}

func (s *Server) handleEndSession(c *gin.Context) {
	s.sessions.remove(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSwitch(c *gin.Context) {
	var req switchRequest
	if !s.bind(c, &req) {
		return
	}
	orch := session(c)
	if err := orch.SwitchBase(c.Request.Context(), req.Base); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.describe(c, c.Param("id"), orch))
}

func (s *Server) handleLoad(c *gin.Context) {
	var req loadRequest
	if !s.bind(c, &req) {
		return
	}

	result, err := session(c).LoadDocuments(c.Request.Context(), rag.LoadRequest{
		Files:     req.Files,
		Directory: req.Directory,
		Base:      req.Base,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := loadResponse{
		Base:      result.Base,
		Chunks:    result.Chunks,
		Documents: result.Documents,
		Failures:  make([]fileFailure, len(result.Failures)),
	}
	for i, failure := range result.Failures {
		resp.Failures[i] = fileFailure{Path: failure.Path, Error: failure.Err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClearDocuments(c *gin.Context) {
	if err := session(c).ClearDocuments(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "documents cleared"})
}

func (s *Server) handleClearHistory(c *gin.Context) {
	session(c).ClearHistory()
	c.JSON(http.StatusOK, messageResponse{Message: "history cleared"})
}

func (s *Server) handleAsk(c *gin.Context) {
	req, ok := s.bindQuestion(c)
	if !ok {
		return
	}

	answer := session(c).Ask(c.Request.Context(), req.Question, rag.WithTopK(req.TopK))
	resp := askResponse{Answer: answer.Text, Question: answer.Question, Sources: answer.Sources}
	if answer.Err != nil {
		resp.Error = answer.Err.Error()
	}
	if resp.Sources == nil {
		resp.Sources = []string{}
	}
	c.JSON(http.StatusOK, resp)
}

// handleAskStream sends "message" events per fragment and ends with either a
// "done" event carrying the full answer or an "error" event.
func (s *Server) handleAskStream(c *gin.Context) {
	req, ok := s.bindQuestion(c)
	if !ok {
		return
	}

	stream := session(c).AskStream(c.Request.Context(), req.Question, rag.WithTopK(req.TopK))
	defer stream.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for {
		fragment, ok := stream.Next()
		if !ok {
			break
		}
		c.SSEvent("message", fragment)
		c.Writer.Flush()
	}

	<-stream.Done()
	if err := stream.Err(); err != nil {
		c.SSEvent("error", errorResponse{Error: err.Error()})
	} else {
		c.SSEvent("done", gin.H{"answer": strings.TrimSpace(stream.Text())})
	}
	c.Writer.Flush()
}

func (s *Server) handleSessionDeleteBase(c *gin.Context) {
	name := c.Param("name")
	if n := s.sessions.activeOn(name, c.Param("id")); n > 0 {
		s.writeError(c, fmt.Errorf("%w: %s (%d sessions)", errBaseInUse, name, n))
		return
	}
	if err := session(c).DeleteBase(c.Request.Context(), name); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessionRenameBase(c *gin.Context) {
	name := c.Param("name")
	var req renameRequest
	if !s.bind(c, &req) {
		return
	}
	if n := s.sessions.activeOn(name, c.Param("id")); n > 0 {
		s.writeError(c, fmt.Errorf("%w: %s (%d sessions)", errBaseInUse, name, n))
		return
	}
	orch := session(c)
	if err := orch.RenameBase(c.Request.Context(), name, req.NewName); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.describe(c, c.Param("id"), orch))
}

func (s *Server) describe(c *gin.Context, id string, orch *rag.Orchestrator) sessionResponse {
	live, err := orch.LiveChunks(c.Request.Context())
	if err != nil {
		s.logger.Warn("count live chunks", zap.String("session", id), zap.Error(err))
	}

	turns := orch.History()
	history := make([]turnResponse, len(turns))
	for i, turn := range turns {
		history[i] = turnResponse{Question: turn.Question, Answer: turn.Answer}
	}

	return sessionResponse{
		SessionID:  id,
		Base:       orch.CurrentBase(),
		Stage:      orch.Stage().String(),
		LiveChunks: live,
		History:    history,
	}
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return false
	}
	return true
}

func (s *Server) bindQuestion(c *gin.Context) (askRequest, bool) {
	var req askRequest
	if !s.bind(c, &req) {
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "question is required"})
		return req, false
	}
	return req, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, errBaseInUse), errors.Is(err, rag.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidName), errors.Is(err, rag.ErrMissingCredential):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func toBaseResponse(base registry.Base) baseResponse {
	docs := base.Documents
	if docs == nil {
		docs = []string{}
	}
	return baseResponse{
		Name:            base.Name,
		Description:     base.Description,
		CreatedAt:       base.CreatedAt,
		UpdatedAt:       base.UpdatedAt,
		StorageLocation: base.StorageLocation,
		NumDocuments:    base.NumDocuments,
		NumChunks:       base.NumChunks,
		Documents:       docs,
	}
}
