package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orneryd/provgraph/pkg/executor"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/provgraph"
	"github.com/orneryd/provgraph/pkg/qerr"
)

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-query error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// QueryResponse is the body of /v1/query. On failure Results holds the
// instructions that completed before it.
type QueryResponse struct {
	SessionID string            `json:"session_id,omitempty"`
	Results   []executor.Result `json:"results"`
	Error     *ErrorBody        `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := s.Stats()
	dbStats, err := s.db.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
		"database": dbStats,
	})
}

// handleQuery accepts a JSON program ({"steps": [...]} or a bare array) or,
// with a YAML content type, the same shape in YAML.
func (s *Server) handleQuery(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)
	body, err := c.GetRawData()
	if err != nil {
		s.writeError(c, http.StatusRequestEntityTooLarge, "BAD_REQUEST", err.Error())
		return
	}

	var steps []instruction.Instruction
	if isYAML(c.ContentType()) {
		steps, err = instruction.DecodeYAML(body)
	} else {
		steps, err = instruction.Decode(body)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	resp, err := s.db.Execute(c.Request.Context(), steps)
	out := QueryResponse{Results: []executor.Result{}}
	if resp != nil {
		out.SessionID = resp.SessionID
		if resp.Results != nil {
			out.Results = resp.Results
		}
	}
	if err != nil {
		status, code := statusFor(err)
		s.errorCount.Add(1)
		out.Error = &ErrorBody{Code: code, Message: err.Error()}
		c.JSON(status, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGC(c *gin.Context) {
	report, err := s.db.GC(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReset(c *gin.Context) {
	report, err := s.db.Reset(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, s.db.Symbols())
}

func (s *Server) handleMetadata(c *gin.Context) {
	name := c.Param("name")
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	md, err := s.db.Metadata(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, md)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.db.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	s.writeError(c, status, code, err.Error())
}

func (s *Server) writeError(c *gin.Context, status int, code, message string) {
	s.errorCount.Add(1)
	c.JSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// statusFor maps an engine error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, provgraph.ErrClosed):
		return http.StatusServiceUnavailable, "CLOSED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	switch code := qerr.CodeOf(err); code {
	case qerr.InvalidInstruction:
		return http.StatusBadRequest, string(code)
	case qerr.UnknownSymbol:
		return http.StatusNotFound, string(code)
	case qerr.BackendFailure, qerr.SymbolTableCorruption:
		return http.StatusInternalServerError, string(code)
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func isYAML(contentType string) bool {
	switch contentType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}
