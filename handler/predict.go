package handler

import (
	"HumanCountServer/logger"
	"HumanCountServer/middleware"
	"HumanCountServer/model"
	"HumanCountServer/monitor"
	"HumanCountServer/service"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	FileField = "file"

	detailPredictFailed = "prediction failed"
	detailBusy          = "server busy"
	detailNotFound      = "Image not found"
	detailNoFile        = "file is required"
)

type PredictHandler struct {
	predictor *service.Predictor
	artifacts *service.ArtifactStore
	mon       *monitor.Monitor
}

func NewPredictHandler(predictor *service.Predictor, artifacts *service.ArtifactStore, mon *monitor.Monitor) *PredictHandler {
	return &PredictHandler{
		predictor: predictor,
		artifacts: artifacts,
		mon:       mon,
	}
}

// nextFilePart advances the multipart stream to the "file" part.
func nextFilePart(c *gin.Context) (*multipart.Part, error) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == FileField {
			return part, nil
		}
		_ = part.Close()
	}
}

// Predict streams the uploaded image through the pipeline and reports the people count.
func (h *PredictHandler) Predict(c *gin.Context) {
	part, err := nextFilePart(c)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("no file part")
		}
		logger.Log().Info("rejecting upload without file", zap.Error(err))
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Detail: detailNoFile})
		return
	}
	defer part.Close()

	pred, err := h.predictor.Predict(c.Request.Context(), service.Upload{
		Filename: part.FileName(),
		Body:     part,
	})
	if err != nil {
		if errors.Is(err, service.ErrBusy) {
			c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{Detail: detailBusy})
			return
		}
		_ = c.Error(err)
		logger.Log().Error("prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Detail: detailPredictFailed})
		return
	}
	c.JSON(http.StatusOK, pred.Response())
}

// ViewImage sends an artifact once and deletes it after the body is out.
func (h *PredictHandler) ViewImage(c *gin.Context) {
	claim, err := h.artifacts.Claim(c.Param("name"))
	if err != nil {
		if !errors.Is(err, service.ErrArtifactNotFound) {
			logger.Log().Error("failed to claim artifact", zap.Error(err))
		}
		h.mon.RetrievalDone(monitor.OutcomeNotFound)
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: detailNotFound})
		return
	}

	f, err := os.Open(claim.Path)
	if err != nil {
		claim.Release()
		h.mon.RetrievalDone(monitor.OutcomeError)
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: detailNotFound})
		return
	}
	cleanup := func() {
		_ = f.Close()
		claim.Release()
	}
	if !middleware.Defer(c, cleanup) {
		defer cleanup()
	}

	info, err := f.Stat()
	if err != nil {
		h.mon.RetrievalDone(monitor.OutcomeError)
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: detailNotFound})
		return
	}
	h.mon.RetrievalDone(monitor.OutcomeOK)
	c.DataFromReader(http.StatusOK, info.Size(), "image/jpeg", f, nil)
}
