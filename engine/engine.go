package engine

import (
	iface "HumanCountServer/interface"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003

const DefaultInputSize = 640

// Detector runs a YOLOv8 ONNX export through the OpenCV DNN module.
//
// gocv.Net is not safe for concurrent use, so the detector owns a fixed set
// of replicas and every Infer borrows one exclusively. One replica makes
// inference fully serialized.
type Detector struct {
	ModelPath string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	State     int

	mu       sync.RWMutex
	names    map[int]string
	replicas int
	nets     chan *gocv.Net
}

func (d *Detector) New(replicas int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == IDLE {
		return false
	}
	if replicas <= 0 {
		replicas = 1
	}
	d.replicas = replicas
	d.nets = make(chan *gocv.Net, replicas)
	d.State = REGISTERED
	return true
}

func (d *Detector) LoadModel(modelPath string, names map[int]string, conf float32, iou float32, useGPU bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case REGISTERED:
	case IDLE:
		return fmt.Errorf("model already loaded: %s", d.ModelPath)
	default:
		return fmt.Errorf("detector not registered")
	}
	if !strings.EqualFold(filepath.Ext(modelPath), ".onnx") {
		return fmt.Errorf("onnx.LoadModel only supports .onnx, got %s", modelPath)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model file not found: %w", err)
	}
	if conf > 1.0 || conf < 0.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", conf)
	}
	if iou > 1.0 || iou < 0.0 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", iou)
	}

	for i := 0; i < d.replicas; i++ {
		net, err := readNet(modelPath, useGPU)
		if err != nil {
			d.closeNets()
			return err
		}
		d.nets <- net
	}
	if d.InputSize <= 0 {
		d.InputSize = DefaultInputSize
	}
	d.names = names
	d.ModelPath = modelPath
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.State = IDLE
	return nil
}

func readNet(modelPath string, useGPU bool) (*gocv.Net, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		_ = net.Close()
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if useGPU {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	errBackend := net.SetPreferableBackend(backend)
	errTarget := net.SetPreferableTarget(target)
	if errBackend != nil || errTarget != nil {
		_ = net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}
	return &net, nil
}

func (d *Detector) closeNets() {
	for len(d.nets) > 0 {
		net := <-d.nets
		_ = net.Close()
	}
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return iface.EngineConfig{
		Backend:   "onnx",
		ModelPath: d.ModelPath,
		Names:     d.names,
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
		Replicas:  d.replicas,
	}
}

func (d *Detector) Names() map[int]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	// the write lock waits out every in-flight Infer, so all replicas are parked
	d.closeNets()
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.names = nil
	d.State = UNREGISTERED
}

func (d *Detector) Infer(imagePath string) ([]iface.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.State {
	case IDLE:
	case REGISTERED:
		return nil, fmt.Errorf("model not loaded")
	default:
		return nil, fmt.Errorf("detector not registered")
	}

	img := gocv.IMRead(imagePath, gocv.IMReadColor)
	if img.Empty() {
		_ = img.Close()
		return nil, fmt.Errorf("decoded image is empty or unsupported format: %s", filepath.Base(imagePath))
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(d.InputSize, d.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	net := <-d.nets
	defer func() { d.nets <- net }()

	net.SetInput(blob, "")
	out := net.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output tensor: %w", err)
	}
	frame := frameInfo{
		width:  img.Cols(),
		height: img.Rows(),
		scaleX: float64(img.Cols()) / float64(d.InputSize),
		scaleY: float64(img.Rows()) / float64(d.InputSize),
	}
	return decodeYOLOv8(data, sizes[1], sizes[2], frame, d.Conf, d.Iou), nil
}
