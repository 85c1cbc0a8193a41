package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// A Server exposes a runner through a JSON API. Tasks are started from a copy of the base job,
// with the workload and versions taken from the request.
type Server struct {
	runner *sqlbisect.Runner
	base   *sqlbisect.Job

	mu      sync.Mutex
	created []string // Ids of the tasks created since the last cleanup of all tasks

	router *gin.Engine
}

// NewServer creates a server for the passed runner. Metrics are served from gatherer, if it is not nil.
func NewServer(runner *sqlbisect.Runner, base *sqlbisect.Job, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		runner: runner,
		base:   base,
	}

	router := gin.Default()

	router.POST("/start_test", s.postStartTest)
	router.POST("/start_locate", s.postStartLocate)
	router.GET("/status/:taskId", s.getStatus)
	router.POST("/clean", s.postClean)
	router.GET("/releases", s.getReleases)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API on the passed port. It blocks until the server fails.
func (s *Server) Run(port int) error {
	return s.router.Run(fmt.Sprintf(":%d", port))
}

func (s *Server) track(task *sqlbisect.Task) {
	s.mu.Lock()
	s.created = append(s.created, task.ID)
	s.mu.Unlock()
}

// untrackAll returns the ids of all tracked tasks and stops tracking them
func (s *Server) untrackAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.created
	s.created = nil
	return ids
}
