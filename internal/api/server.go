// Package api serves a loaded network over HTTP.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/swin"
	"github.com/samcharles93/hisr/internal/tensor"
)

const (
	// MaxBatch bounds the batch size of a single forward request.
	MaxBatch = 16
	// MaxBodyBytes bounds the size of a forward request body.
	MaxBodyBytes = 256 << 20
)

type Server struct {
	modelID string
	net     *swin.Network
	exec    *backend.Exec
	store   *ResultStore
	log     logger.Logger
	clock   func() time.Time
}

// NewServer serves net under modelID. The network must not be modified while
// the server runs; forward passes share its parameters read-only.
func NewServer(modelID string, net *swin.Network, exec *backend.Exec, store *ResultStore) *Server {
	if store == nil {
		store = NewResultStore(0)
	}
	if exec == nil {
		exec = backend.Serial()
	}
	return &Server{
		modelID: modelID,
		net:     net,
		exec:    exec,
		store:   store,
		log:     exec.Logger(),
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/forward", s.handleForward)
	e.GET("/v1/forward/:id", s.handleGetForward)
	e.DELETE("/v1/forward/:id", s.handleDeleteForward)
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.net.Config
	return writeJSON(c, http.StatusOK, ModelInfo{
		ID:          s.modelID,
		Object:      "model",
		Config:      cfg,
		Params:      nn.Count(s.net),
		FLOPs:       s.net.FLOPs(),
		InputShape:  []int{1, cfg.InChans, cfg.ImgSize, cfg.ImgSize},
		OutputShape: s.net.OutputShape(1),
		Backend:     s.exec.Name(),
		Workers:     s.exec.Workers(),
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, MaxBodyBytes)
	req, err := decodeJSON[ForwardRequest](body)
	if err != nil {
		return writeModelError(c, err)
	}
	if len(req.Shape) == 0 {
		return writeModelError(c, newRequestError("shape", "shape is required"))
	}
	if req.Shape[0] > MaxBatch {
		return writeModelError(c, newRequestError("shape", fmt.Sprintf("batch %d exceeds the limit of %d", req.Shape[0], MaxBatch)))
	}
	x, err := tensor.FromData(req.Data, req.Shape...)
	if err != nil {
		return writeModelError(c, fmt.Errorf("data: %w", err))
	}
	if err := c.Request().Context().Err(); err != nil {
		return err
	}

	start := s.clock()
	y, err := s.net.Forward(s.exec, x)
	if err != nil {
		s.log.Debug("forward rejected", "shape", req.Shape, "error", err)
		return writeModelError(c, err)
	}
	now := s.clock()
	resp := ForwardResponse{
		ID:        newForwardID(),
		Object:    "forward",
		CreatedAt: now.Unix(),
		Shape:     y.Shape,
		Data:      y.Data,
		ElapsedMS: float64(now.Sub(start).Microseconds()) / 1000,
	}
	s.log.Info("forward", "id", resp.ID, "input", req.Shape, "output", y.Shape, "elapsed_ms", resp.ElapsedMS)
	if req.Store == nil || *req.Store {
		s.store.Put(resp)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleGetForward(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "forward result not found")
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDeleteForward(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "forward result not found")
	}
	return writeJSON(c, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "forward.deleted",
		"deleted": true,
	})
}
