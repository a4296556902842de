package handler

import (
	"HumanCountServer/middleware"
	"HumanCountServer/model"
	"net/http"

	"github.com/gin-gonic/gin"
)

var Version = "dev"

// Health reports liveness plus whether the model has been loaded yet.
func Health(modelName string, loaded func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := model.HealthResponse{Status: "ok", Version: Version, Model: modelName}
		if loaded != nil {
			resp.Loaded = loaded()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// NewRouter wires every HTTP route. mode is a gin mode name.
func NewRouter(mode string, h *PredictHandler, health gin.HandlerFunc) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.Use(middleware.AfterResponse())

	r.GET("/health", health)

	predict := r.Group("/predict")
	{
		predict.POST("/", h.Predict)
		predict.GET("/view-image/:name", h.ViewImage)
	}
	return r
}
