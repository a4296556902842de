package service

import (
	iface "HumanCountServer/interface"
	"HumanCountServer/logger"
	"HumanCountServer/model"
	"HumanCountServer/monitor"
	"HumanCountServer/worker"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	MsgCaution = "Person(s) Detected: Caution"
	MsgSafe    = "No Person(s) Detected, it is safe"

	ViewImagePath = "/predict/view-image/"
)

type (
	DetectFunc func(b iface.Backend, imagePath string, threshold float64) ([]model.PersonDetection, error)
	RenderFunc func(imagePath string, people []model.PersonDetection, outputPath string) error
)

type Upload struct {
	Filename string
	Body     io.Reader
}

type Prediction struct {
	NumPeople    int
	People       []model.PersonDetection
	Msg          string
	ImageURL     string
	ArtifactName string
}

func (p *Prediction) Response() model.PredictionResponse {
	return model.PredictionResponse{
		NumPeople: p.NumPeople,
		People:    p.People,
		Msg:       p.Msg,
		ImageURL:  p.ImageURL,
	}
}

type Options struct {
	Threshold    float64
	TargetClass  string
	ChunkSize    int
	MaxInFlight  int
	QueueTimeout time.Duration
	Monitor      *monitor.Monitor
}

// Predictor runs the upload → detect → render pipeline for one request at a
// time per caller; any number of callers may share it.
type Predictor struct {
	Artifacts *ArtifactStore
	Backend   iface.Backend
	Pool      *worker.Pool

	// Detect and Render default to the package functions.
	Detect DetectFunc
	Render RenderFunc

	threshold    float64
	chunkSize    int
	queueTimeout time.Duration
	slots        *semaphore.Weighted
	mon          *monitor.Monitor
}

func NewPredictor(artifacts *ArtifactStore, backend iface.Backend, pool *worker.Pool, opts Options) *Predictor {
	target := opts.TargetClass
	if target == "" {
		target = DefaultTargetClass
	}
	p := &Predictor{
		Artifacts: artifacts,
		Backend:   backend,
		Pool:      pool,
		Detect: func(b iface.Backend, imagePath string, threshold float64) ([]model.PersonDetection, error) {
			return DetectClass(b, imagePath, threshold, target)
		},
		Render:       Render,
		threshold:    opts.Threshold,
		chunkSize:    opts.ChunkSize,
		queueTimeout: opts.QueueTimeout,
		mon:          opts.Monitor,
	}
	if opts.MaxInFlight > 0 {
		p.slots = semaphore.NewWeighted(int64(opts.MaxInFlight))
	}
	return p
}

func (p *Predictor) admit(ctx context.Context) (func(), error) {
	if p.slots == nil {
		return func() {}, nil
	}
	waitCtx := ctx
	if p.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
	}
	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	return func() { p.slots.Release(1) }, nil
}

// Predict counts the people in one uploaded image and leaves an annotated
// copy in the artifact store. The uploaded bytes never outlive the call.
func (p *Predictor) Predict(ctx context.Context, up Upload) (pred *Prediction, err error) {
	defer func() {
		switch {
		case err == nil:
			p.mon.PredictDone(monitor.OutcomeOK, pred.NumPeople)
		case errors.Is(err, ErrBusy):
			p.mon.PredictDone(monitor.OutcomeBusy, 0)
		default:
			p.mon.PredictDone(monitor.OutcomeError, 0)
		}
	}()

	release, err := p.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	inputPath, err := Ingest(ctx, up.Body, up.Filename, p.Artifacts.Dir(), p.chunkSize)
	defer removeQuietly(inputPath)
	p.mon.ObserveStage(monitor.StageIngest, start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	people, err := worker.Do(ctx, p.Pool, func() ([]model.PersonDetection, error) {
		return p.Detect(p.Backend, inputPath, p.threshold)
	})
	p.mon.ObserveStage(monitor.StageDetect, start)
	if err != nil {
		return nil, err
	}
	if people == nil {
		people = []model.PersonDetection{}
	}

	name, outputPath := p.Artifacts.NewName()
	start = time.Now()
	_, err = worker.Do(ctx, p.Pool, func() (struct{}, error) {
		err := p.Render(inputPath, people, outputPath)
		if ctx.Err() != nil {
			// nobody will ever learn this name
			removeQuietly(outputPath)
		}
		return struct{}{}, err
	})
	p.mon.ObserveStage(monitor.StageRender, start)
	if err != nil {
		removeQuietly(outputPath)
		return nil, err
	}

	msg := MsgSafe
	if len(people) > 0 {
		msg = MsgCaution
	}
	logger.Log().Debug("prediction done", zap.Int("people", len(people)), zap.String("artifact", name))
	return &Prediction{
		NumPeople:    len(people),
		People:       people,
		Msg:          msg,
		ImageURL:     ViewImagePath + name,
		ArtifactName: name,
	}, nil
}
