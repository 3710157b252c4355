package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LandingPadAI/agent-coordinator/internal/recovery"
	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

type startWorkflowRequest struct {
	Type     string                 `json:"type" binding:"required"`
	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
}

// startWorkflow creates and dispatches a workflow. A dispatch failure after
// the workflow is persisted still returns 201 so the caller gets the id; the
// failure rides along as a warning.
func (s *Server) startWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, coorderr.Wrap(err, coorderr.CategoryValidation, coorderr.CodeInvalidRequest,
			"invalid start workflow request"))
		return
	}
	res, err := s.deps.Coordination.StartWorkflow(c.Request.Context(), req.Type, req.Data, req.Metadata)
	if err != nil {
		if res.WorkflowID == "" {
			s.renderError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": res, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": res})
}

func (s *Server) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Coordination.ListActiveWorkflows()})
}

func (s *Server) workflowStatus(c *gin.Context) {
	id := c.Param("id")
	view, err := s.deps.Coordination.GetWorkflowStatus(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if !view.Exists {
		s.renderError(c, coorderr.New(coorderr.CategoryNotFound, coorderr.CodeWorkflowNotFound,
			"workflow "+id+" not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (s *Server) archiveWorkflow(c *gin.Context) {
	view, err := s.deps.Coordination.ArchiveWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (s *Server) listDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Registry.List()})
}

func (s *Server) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Health.GetAllWorkers()})
}

func (s *Server) workerStatus(c *gin.Context) {
	id := c.Param("id")
	rec, ok := s.deps.Health.GetWorkerStatus(id)
	if !ok {
		s.renderError(c, coorderr.New(coorderr.CategoryNotFound, coorderr.CodeWorkerNotFound,
			"worker "+id+" not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

func (s *Server) healthSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Health.GetSystemHealthSummary()})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	filter := recovery.DeadLetterFilter{
		Kind:     c.Query("kind"),
		WorkerID: c.Query("workerId"),
		Category: c.Query("category"),
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Recovery.DeadLetters(filter)})
}

func (s *Server) retryDeadLetter(c *gin.Context) {
	if err := s.deps.Recovery.RetryDeadLetter(c.Request.Context(), c.Param("key")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) deleteDeadLetter(c *gin.Context) {
	key := c.Param("key")
	if !s.deps.Recovery.DeleteDeadLetter(key) {
		s.renderError(c, coorderr.New(coorderr.CategoryNotFound, coorderr.CodeDeadLetterNotFound,
			"no dead letter entry for "+key))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Recovery.Strategies()})
}

func (s *Server) listPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Policies.List()})
}

func (s *Server) listBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.deps.Breakers.Snapshot()})
}

func (s *Server) resetBreaker(c *gin.Context) {
	service := c.Param("service")
	if !s.deps.Breakers.Reset(service) {
		s.renderError(c, coorderr.New(coorderr.CategoryNotFound, coorderr.CodeInvalidRequest,
			"no breaker for service "+service))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) renderError(c *gin.Context, err error) {
	c.JSON(statusOf(err), coorderr.ToEnvelope(err, s.cfg.Verbose))
}

// statusOf maps the error taxonomy onto HTTP statuses. A few codes override
// their category's default.
func statusOf(err error) int {
	switch coorderr.CodeOf(err) {
	case coorderr.CodeWorkflowExists, coorderr.CodeWorkflowTerminal,
		coorderr.CodeUnknownTransition, coorderr.CodeVersionConflict:
		return http.StatusConflict
	case coorderr.CodeUnknownWorkflowType:
		return http.StatusBadRequest
	case coorderr.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	switch coorderr.CategoryOf(err) {
	case coorderr.CategoryValidation:
		return http.StatusBadRequest
	case coorderr.CategoryAuthorization:
		return http.StatusForbidden
	case coorderr.CategoryNotFound:
		return http.StatusNotFound
	case coorderr.CategoryRateLimit:
		return http.StatusTooManyRequests
	case coorderr.CategoryTimeout:
		return http.StatusGatewayTimeout
	case coorderr.CategoryExternalService, coorderr.CategoryMessaging:
		return http.StatusBadGateway
	case coorderr.CategoryWorkflow, coorderr.CategoryAgent:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
