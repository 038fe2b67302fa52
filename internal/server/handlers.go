package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/iambrandonn/arbor/internal/scheduler"
)

// StartRequest is the body of POST /workflows
type StartRequest struct {
	Goal string `json:"goal"`
}

// StartResponse names the new workflow; the id is also the root task id
type StartResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// AnswerRequest is the body of POST /tasks/:id/answer. A missing or null
// answer declines the query.
type AnswerRequest struct {
	Answer *string `json:"answer"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		abort(c, http.StatusBadRequest, errors.New("goal is required"))
		return
	}

	id, err := s.orch.Start(c.Request.Context(), req.Goal)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		abort(c, status, err)
		return
	}
	c.JSON(http.StatusAccepted, StartResponse{WorkflowID: id})
}

// handleWait blocks until the workflow finishes or the client goes away
func (s *Server) handleWait(c *gin.Context) {
	out, err := s.orch.Wait(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownWorkflow):
		abort(c, http.StatusNotFound, err)
		return
	case err != nil:
		abort(c, http.StatusRequestTimeout, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTree(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Tree())
}

func (s *Server) handleGetTask(c *gin.Context) {
	snap, ok := s.orch.Lookup(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, scheduler.ErrUnknownTask)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleAnswer(c *gin.Context) {
	var req AnswerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	if !s.orch.AnswerQuery(c.Param("id"), req.Answer) {
		abort(c, http.StatusNotFound, errors.New("no pending query for task"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleIntervene(c *gin.Context) {
	var iv scheduler.Intervention
	if err := c.ShouldBindJSON(&iv); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	err := s.orch.Intervene(c.Param("id"), iv)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		abort(c, http.StatusNotFound, err)
		return
	case errors.Is(err, scheduler.ErrInvalidIntervention):
		abort(c, http.StatusBadRequest, err)
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return
	}

	snap, _ := s.orch.Lookup(c.Param("id"))
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleQueries(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.PendingQueries())
}

func (s *Server) handleCancelQueries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.orch.CancelQueries()})
}
