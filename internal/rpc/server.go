package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/registry"
)

// Method is a JSON-RPC method body. A returned *Error is sent as is;
// any other error becomes CodeInternal.
type Method func(ctx context.Context, params json.RawMessage) (any, error)

// ModuleInfo is one entry of module.list.
type ModuleInfo struct {
	Name      string         `json:"name"`
	ClassName string         `json:"class_name"`
	LoadedAt  time.Time      `json:"loaded_at"`
	Reloads   int            `json:"reloads"`
	Header    *plugin.Header `json:"header,omitempty"`
}

// Server is the RPC listener. It can be stopped and started again, which
// the rehash flow does around every registry rebuild.
type Server struct {
	logger   *slog.Logger
	creds    *Credentials
	commands *commands.Registry
	modules  *registry.Registry
	headers  *registry.Headers
	methods  map[string]Method
	engine   *gin.Engine

	mu      sync.Mutex
	cfg     config.RPC
	srv     *http.Server
	ln      net.Listener
	serveCh chan error
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(logger *slog.Logger, cfg config.RPC, cmds *commands.Registry, modules *registry.Registry, headers *registry.Headers) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger.With("component", "rpc"),
		creds:    NewCredentials(cfg.Users),
		commands: cmds,
		modules:  modules,
		headers:  headers,
		cfg:      cfg,
	}
	s.methods = map[string]Method{
		"command.list":          s.commandList,
		"command.get.by.name":   s.commandByName,
		"command.get.by.module": s.commandByModule,
		"module.list":           s.moduleList,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/api", s.handle)
	s.engine = engine
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Reconfigure applies a new RPC section. It takes effect on the next Start.
func (s *Server) Reconfigure(cfg config.RPC) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.creds.Replace(cfg.Users)
}

// Start listens on the configured address. It is a no-op when RPC is
// disabled or already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	serveCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveCh <- err
	}()
	s.srv, s.ln, s.serveCh = srv, ln, serveCh
	s.logger.Info("RPC listener started.", "address", ln.Addr().String(), "users", s.creds.Len())
	return nil
}

// Stop shuts the listener down, waiting for in-flight calls until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, serveCh := s.srv, s.serveCh
	s.srv, s.ln, s.serveCh = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("rpc shutdown: %w", err)
	}
	s.logger.Info("RPC listener stopped.")
	return <-serveCh
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handle(c *gin.Context) {
	user, password, ok := c.Request.BasicAuth()
	if !ok || !s.creds.Verify(user, password) {
		s.logger.Warn("RPC authentication failed.", "user", user, "remote", c.ClientIP())
		c.Header("WWW-Authenticate", `Basic realm="servicesd"`)
		c.JSON(http.StatusUnauthorized, failure(nil, CodeAuthFailed, "Authentication failed"))
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, failure(nil, CodeParseError, "Parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, failure(req.ID, CodeInvalidRequest, "Invalid Request"))
		return
	}
	method, ok := s.methods[req.Method]
	if !ok {
		c.JSON(http.StatusOK, failure(req.ID, CodeMethodNotFound, "Method not found"))
		return
	}

	result, err := method(c.Request.Context(), req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			c.JSON(http.StatusOK, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
			return
		}
		s.logger.Error("RPC method failed.", "method", req.Method, "error", err)
		c.JSON(http.StatusOK, failure(req.ID, CodeInternal, "Internal error"))
		return
	}
	s.logger.Debug("RPC call served.", "method", req.Method, "user", user)
	c.JSON(http.StatusOK, success(req.ID, result))
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, &Error{Code: CodeInvalidParams, Message: "Invalid params"}
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return p, nil
}

func (s *Server) commandList(context.Context, json.RawMessage) (any, error) {
	return nonNil(s.commands.All()), nil
}

func (s *Server) commandByName(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		CommandName string `json:"command_name"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if p.CommandName == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: "command_name is required"}
	}
	return nonNil(s.commands.Lookup(p.CommandName)), nil
}

func (s *Server) commandByModule(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		ModuleName string `json:"module_name"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if p.ModuleName == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: "module_name is required"}
	}
	return nonNil(s.commands.ByModule(p.ModuleName)), nil
}

func (s *Server) moduleList(context.Context, json.RawMessage) (any, error) {
	recs := s.modules.List()
	out := make([]ModuleInfo, 0, len(recs))
	for _, r := range recs {
		info := ModuleInfo{Name: r.Name, ClassName: r.ClassName, LoadedAt: r.LoadedAt, Reloads: r.Reloads()}
		if h, ok := s.headers.Get(r.Name); ok {
			info.Header = &h
		}
		out = append(out, info)
	}
	return out, nil
}

func nonNil(cs []commands.Command) []commands.Command {
	if cs == nil {
		return []commands.Command{}
	}
	return cs
}
