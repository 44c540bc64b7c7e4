package handlers

import (
	"net/http"

	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Transfers    *TransferHandler
	Archives     *ArchiveHandler
	JWTSecret    string
	AllowOrigins []string
	Gatherer     prometheus.Gatherer
	// Ready reports whether every backing store answered the last check.
	Ready func() bool
}

func NewRouter(cfg RouterConfig, l logging.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(l), Cors(cfg.AllowOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		if cfg.Ready != nil && !cfg.Ready() {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse(http.StatusServiceUnavailable, "not ready", nil))
			return
		}
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1", JWTAuth(cfg.JWTSecret))

	t := cfg.Transfers
	uploads := api.Group("/uploads")
	{
		uploads.POST("", t.InitiateUpload)
		uploads.GET("", t.List(models.DirectionUpload))
		uploads.GET("/:id", t.Status(models.DirectionUpload))
		uploads.PUT("/:id/chunks/:index", t.SubmitChunk)
		uploads.POST("/:id/complete", t.CompleteUpload)
		uploads.POST("/:id/pause", t.Pause(models.DirectionUpload))
		uploads.POST("/:id/resume", t.Resume(models.DirectionUpload))
		uploads.POST("/:id/cancel", t.Cancel(models.DirectionUpload))
	}

	downloads := api.Group("/downloads")
	{
		downloads.POST("", t.InitiateDownload)
		downloads.GET("", t.List(models.DirectionDownload))
		downloads.GET("/:id", t.Status(models.DirectionDownload))
		downloads.GET("/:id/chunks/:index", t.FetchChunk)
		downloads.POST("/:id/pause", t.Pause(models.DirectionDownload))
		downloads.POST("/:id/resume", t.Resume(models.DirectionDownload))
		downloads.POST("/:id/cancel", t.Cancel(models.DirectionDownload))
	}

	if a := cfg.Archives; a != nil {
		archives := api.Group("/archives")
		{
			archives.POST("", a.Export)
			archives.GET("/:id", a.Status)
		}
	}

	return r
}
