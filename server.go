package main

import (
	"errors"
	"net/http"
	"time"

	"YoloDataAug/dataset"
	iface "YoloDataAug/interface"
	"YoloDataAug/jobs"
	"YoloDataAug/logger"
	"YoloDataAug/monitor"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// runBody is the JSON body of the run endpoints. With Wait set the call
// blocks until the job finishes.
type runBody struct {
	Source      string  `json:"source"`
	Dest        string  `json:"dest"`
	ValFraction float64 `json:"valFraction"`
	Split       string  `json:"split"`
	Wait        bool    `json:"wait"`
}

type api struct {
	runner     *jobs.Runner
	categories *dataset.Categories
	pollEvery  time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newRouter(runner *jobs.Runner, cats *dataset.Categories) *gin.Engine {
	a := &api{runner: runner, categories: cats, pollEvery: 200 * time.Millisecond}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog)

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/summary", a.summary)
	r.POST("/api/partition", a.submit(jobs.KindPartition))
	r.POST("/api/augment", a.submit(jobs.KindAugment))
	r.POST("/api/rename", a.submit(jobs.KindRename))
	r.GET("/api/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": a.runner.List()})
	})
	r.GET("/api/jobs/:id", func(c *gin.Context) {
		st, ok := a.runner.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": st})
	})
	r.GET("/ws/jobs/:id", a.watch)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	return r
}

func requestLog(c *gin.Context) {
	start := time.Now()
	monitor.RequestsTotal.WithLabelValues("http").Inc()
	c.Next()
	logger.Log().Info("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(start)))
}

func (a *api) summary(c *gin.Context) {
	root := c.Query("root")
	if root == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "root is required"})
		return
	}
	s, err := dataset.Summarize(root, a.categories)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s, "lines": s.Lines()})
}

func (a *api) submit(kind jobs.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body runBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req := jobs.Request{
			Kind:        kind,
			Source:      body.Source,
			Dest:        body.Dest,
			ValFraction: body.ValFraction,
			Split:       iface.Split(body.Split),
		}
		id, done, err := a.runner.Submit(req)
		if errors.Is(err, jobs.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !body.Wait {
			c.JSON(http.StatusAccepted, gin.H{"id": id})
			return
		}
		select {
		case st := <-done:
			code := http.StatusOK
			if st.State == jobs.StateFailed {
				code = http.StatusUnprocessableEntity
			}
			c.JSON(code, gin.H{"data": st})
		case <-c.Request.Context().Done():
			// the job keeps running; the client can poll /api/jobs/:id
		}
	}
}

// watch streams the job's status over a websocket each time its state
// changes, then closes once the job is finished.
func (a *api) watch(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.runner.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()
	var last jobs.State
	for {
		st, _ := a.runner.Get(id)
		if st.State != last {
			if err := conn.WriteJSON(st); err != nil {
				logger.Log().Warn("job watcher disconnected", zap.String("id", id), zap.Error(err))
				return
			}
			last = st.State
		}
		if st.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
			return
		}
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
