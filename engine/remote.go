package engine

import (
	iface "HumanCountServer/interface"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

type remoteDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
}

type remoteResponse struct {
	Names      map[int]string    `json:"names"`
	Detections []remoteDetection `json:"detections"`
}

// Remote forwards inference to an HTTP detector service. The service takes a
// multipart "file" and answers with pixel xyxy boxes in detector order.
type Remote struct {
	URL     string
	Timeout time.Duration

	client *resty.Client
	mu     sync.RWMutex
	names  map[int]string
}

func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		URL:     url,
		Timeout: timeout,
		client:  resty.New().SetTimeout(timeout),
		names:   DefaultNames(),
	}
}

// CheckHealth probes GET <url>/health.
func (r *Remote) CheckHealth(ctx context.Context) error {
	resp, err := r.client.R().SetContext(ctx).Get(r.URL + "/health")
	if err != nil {
		return fmt.Errorf("remote detector unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("remote detector unhealthy: %s", resp.Status())
	}
	return nil
}

func (r *Remote) Infer(imagePath string) ([]iface.Result, error) {
	var body remoteResponse
	resp, err := r.client.R().
		SetFile("file", imagePath).
		SetResult(&body).
		Post(r.URL)
	if err != nil {
		return nil, fmt.Errorf("remote detect %s: %w", filepath.Base(imagePath), err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote detect returned %s: %s", resp.Status(), resp.String())
	}
	if len(body.Names) > 0 {
		r.mu.Lock()
		r.names = body.Names
		r.mu.Unlock()
	}
	results := make([]iface.Result, 0, len(body.Detections))
	for _, d := range body.Detections {
		results = append(results, iface.Result{
			ClassID: d.ClassID,
			Conf:    d.Confidence,
			Box:     iface.Box{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
		})
	}
	return results, nil
}

func (r *Remote) Names() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names
}

func (r *Remote) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   "remote",
		ModelPath: r.URL,
		Names:     r.Names(),
	}
}

func (r *Remote) Destroy() {}
