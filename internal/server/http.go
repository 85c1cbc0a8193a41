package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
	"github.com/gin-gonic/gin"
)

type workloadRequest struct {
	SQL         string `json:"sql"`
	Expected    string `json:"expected"`
	CheckScript string `json:"check_script"`
}

type startTestRequest struct {
	workloadRequest
	Versions []string `json:"versions"`
}

type startLocateRequest struct {
	workloadRequest
	BugVersion   string `json:"bug_version"`
	StartVersion string `json:"start_version"`

	SkipCommits     bool `json:"skip_commits"`
	ConfirmBoundary bool `json:"confirm_boundary"`
}

type cleanRequest struct {
	TaskIDs []string `json:"task_ids"` // If empty, every task created since the last such cleanup is cleaned
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type releasesResponse struct {
	Releases []string `json:"releases"`
}

// job returns a copy of the base job running the requested workload.
// The base job's workload is only kept if the request does not specify one.
func (s *Server) job(w workloadRequest) *sqlbisect.Job {
	job := s.base.Clone()
	if w.SQL != "" || w.CheckScript != "" {
		job.Workload.SQL = w.SQL
		job.Workload.Expected = w.Expected
		job.Workload.CheckScript = w.CheckScript
	}
	return job
}

// startTask responds with the id of the started task, or with the error which kept it from being started
func (s *Server) startTask(c *gin.Context, task *sqlbisect.Task, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sqlbisect.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}
	s.track(task)
	c.JSON(http.StatusOK, taskResponse{TaskID: task.ID})
}

func (s *Server) postStartTest(c *gin.Context) {
	var req startTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	task, err := s.runner.Test(s.job(req.workloadRequest), req.Versions)
	s.startTask(c, task, err)
}

func (s *Server) postStartLocate(c *gin.Context) {
	var req startLocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	job := s.job(req.workloadRequest)
	job.EndVersion = req.BugVersion
	if req.StartVersion != "" {
		job.StartVersion = req.StartVersion
	}
	job.SkipCommits = job.SkipCommits || req.SkipCommits
	job.ConfirmBoundary = job.ConfirmBoundary || req.ConfirmBoundary

	task, err := s.runner.Locate(job)
	s.startTask(c, task, err)
}

func (s *Server) getStatus(c *gin.Context) {
	snap, err := s.runner.Registry().Status(c.Param("taskId"))
	if errors.Is(err, sqlbisect.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) postClean(c *gin.Context) {
	var req cleanRequest
	// The body is optional
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	ids := req.TaskIDs
	if len(ids) == 0 {
		ids = s.untrackAll()
	}
	c.JSON(http.StatusOK, s.runner.Registry().Cleanup(c.Request.Context(), ids...))
}

func (s *Server) getReleases(c *gin.Context) {
	releases, err := s.runner.Releases(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, releasesResponse{Releases: releases})
}
