// Package api serves a loaded pipeline over HTTP. Requests and responses
// carry token ids; tokenization happens on the client.
package api

import (
	"context"
	"iter"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/pipeline"
)

// Pipeline is the part of *pipeline.Pipeline the server uses.
type Pipeline interface {
	Predict(ctx context.Context, tokens []int, maxNewTokens int, eosTokenIDs []int) (iter.Seq2[pipeline.Prediction, error], error)
	Config() (pipeline.InferenceConfig, bool)
	Stages() []pipeline.StageInfo
	Stats() pipeline.Stats
	Dir() string
	Prefix() string
}

type ServerOptions struct {
	MaxNewTokens int
	EOSTokenIDs  []int
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Logger  logger.Logger
}

type Server struct {
	pipe    Pipeline
	opts    ServerOptions
	log     logger.Logger
	clock   func() time.Time
	newID   func() string
	metrics http.Handler
}

func NewServer(pipe Pipeline, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		pipe:    pipe,
		opts:    opts,
		log:     log.With("component", "api"),
		clock:   time.Now,
		newID:   newPredictionID,
		metrics: opts.Metrics,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/predictions", s.handleCreatePrediction)
	e.GET("/v1/pipeline", s.handlePipeline)
	e.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", func(c *echo.Context) error {
			s.metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	if _, ok := s.pipe.Config(); !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "loading"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePipeline(c *echo.Context) error {
	resp := PipelineResponse{
		Object: "pipeline",
		Dir:    s.pipe.Dir(),
		Prefix: s.pipe.Prefix(),
		Stages: s.pipe.Stages(),
		Stats:  s.pipe.Stats(),
	}
	if cfg, ok := s.pipe.Config(); ok {
		resp.Loaded = true
		resp.Config = &cfg
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) request(c *echo.Context) (PredictionRequest, int, []int, error) {
	req, err := decodeJSON[PredictionRequest](c.Request().Body)
	if err != nil {
		return req, 0, nil, newInvalidRequest(err.Error())
	}
	if len(req.Tokens) == 0 {
		return req, 0, nil, newInvalidRequest("tokens is required and must not be empty")
	}
	if slices.ContainsFunc(req.Tokens, func(t int) bool { return t < 0 }) {
		return req, 0, nil, newInvalidRequest("tokens must be non-negative")
	}
	maxNew := s.opts.MaxNewTokens
	if req.MaxNewTokens != nil {
		if *req.MaxNewTokens < 0 {
			return req, 0, nil, newInvalidRequest("max_new_tokens must be non-negative")
		}
		maxNew = *req.MaxNewTokens
	}
	eos := req.EOSTokenIDs
	if eos == nil {
		eos = s.opts.EOSTokenIDs
	}
	return req, maxNew, eos, nil
}

func (s *Server) handleCreatePrediction(c *echo.Context) error {
	req, maxNew, eos, err := s.request(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	seq, err := s.pipe.Predict(ctx, req.Tokens, maxNew, eos)
	if err != nil {
		status, re := classify(err)
		return writeError(c, status, re.Type, re.Message)
	}

	resp := PredictionResponse{
		ID:          s.newID(),
		Object:      "prediction",
		CreatedAt:   s.clock().Unix(),
		Predictions: []pipeline.Prediction{},
		Tokens:      slices.Clone(req.Tokens),
	}

	var writer *SSEStreamWriter
	if req.Stream {
		if writer, err = NewSSEStreamWriter(c); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}

	start := s.clock()
	generated := 0
	var runErr error
	for pred, err := range seq {
		if err != nil {
			runErr = err
			break
		}
		resp.Predictions = append(resp.Predictions, pred)
		resp.Tokens = pred.Tokens
		if !pred.Replay {
			generated++
		}
		if writer != nil {
			if err := writer.Delta(pred); err != nil {
				// The client went away; stop generating.
				return nil
			}
		}
	}
	resp.Stats = s.pipe.Stats()

	if runErr != nil {
		status, re := classify(runErr)
		s.log.Warn("prediction failed", "id", resp.ID, "error", runErr)
		resp.Error = &re
		if writer != nil {
			return writer.Failed(resp)
		}
		return c.JSON(status, resp)
	}

	resp.FinishReason = FinishLength
	if n := len(resp.Tokens); generated > 0 && slices.Contains(eos, resp.Tokens[n-1]) {
		resp.FinishReason = FinishEOS
	}
	s.log.Info("prediction",
		"id", resp.ID,
		"prompt_tokens", len(req.Tokens),
		"generated", generated,
		"finish_reason", resp.FinishReason,
		"elapsed", s.clock().Sub(start),
	)
	if writer != nil {
		return writer.Complete(resp)
	}
	return c.JSON(http.StatusOK, resp)
}
