package attendsync

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// controlPrefix is reserved for the worker itself and is never forwarded.
const controlPrefix = "/__sw"

// Handler returns the proxy handler: control routes under /__sw, and every
// other request goes through the fetch interceptor.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	sw := r.Group(controlPrefix)
	sw.POST("/message", s.postMessage)
	sw.GET("/events", s.streamEvents)
	sw.GET("/status", s.getStatus)
	sw.GET("/metrics", gin.WrapH(s.metrics.handler()))

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, controlPrefix+"/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown control route"})
			return
		}
		s.handle(c.Writer, c.Request)
	})
	return r
}

func (s *Service) postMessage(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message: " + err.Error()})
		return
	}
	reply, err := s.HandleMessage(c.Request.Context(), msg)
	switch {
	case errors.Is(err, errUnknownMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, reply)
	}
}

// streamEvents delivers worker broadcasts to one page as Server-Sent Events.
func (s *Service) streamEvents(c *gin.Context) {
	ch, cancel := s.hub.subscribe()
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("message", msg)
			return true
		}
	})
}

type statusReply struct {
	Version     string   `json:"version"`
	Activated   bool     `json:"activated"`
	Online      bool     `json:"online"`
	Caches      []string `json:"caches"`
	Pending     int      `json:"pending"`
	PendingTags []string `json:"pendingTags"`
	Clients     int      `json:"clients"`
}

func (s *Service) getStatus(c *gin.Context) {
	names, err := s.caches.Names()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	n, err := s.outbox.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusReply{
		Version:     s.cfg.Version,
		Activated:   s.activated.Load(),
		Online:      s.online.Online(),
		Caches:      names,
		Pending:     n,
		PendingTags: s.bg.Pending(),
		Clients:     s.hub.count(),
	})
}
