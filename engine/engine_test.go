package engine

import (
	iface "HumanCountServer/interface"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_Lifecycle(t *testing.T) {
	d := &Detector{}

	t.Run("Test Infer before New", func(t *testing.T) {
		_, err := d.Infer("whatever.jpg")
		assert.Error(t, err)
	})

	t.Run("Test New", func(t *testing.T) {
		assert.True(t, d.New(2))
		assert.Equal(t, REGISTERED, d.State)
		assert.Equal(t, 2, d.CheckConfig().Replicas)
	})

	t.Run("Test Infer before LoadModel", func(t *testing.T) {
		_, err := d.Infer("whatever.jpg")
		assert.EqualError(t, err, "model not loaded")
	})

	t.Run("Test LoadModel wrong suffix", func(t *testing.T) {
		err := d.LoadModel("model/yolov8n.param", DefaultNames(), 0.25, 0.45, false)
		assert.Error(t, err)
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test LoadModel missing file", func(t *testing.T) {
		err := d.LoadModel(filepath.Join(t.TempDir(), "missing.onnx"), DefaultNames(), 0.25, 0.45, false)
		assert.Error(t, err)
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test LoadModel bad confidence", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.onnx")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		err := d.LoadModel(path, DefaultNames(), 1.5, 0.45, false)
		assert.Error(t, err)
	})

	t.Run("Test Destroy", func(t *testing.T) {
		d.Destroy()
		assert.Equal(t, "", d.ModelPath)
		assert.Equal(t, float32(0), d.Conf)
		assert.Equal(t, float32(0), d.Iou)
		assert.Equal(t, false, d.UseGPU)
		assert.Nil(t, d.Names())
		assert.Equal(t, UNREGISTERED, d.State)
	})
}

// tensor builds a [4+nc, N] head from per-anchor rows, padding with empty
// anchors so N stays the larger axis.
func tensor(nc int, anchors [][]float32) ([]float32, int, int) {
	attrs := 4 + nc
	for len(anchors) <= attrs {
		anchors = append(anchors, make([]float32, attrs))
	}
	data := make([]float32, attrs*len(anchors))
	for a, row := range anchors {
		for i := 0; i < attrs; i++ {
			data[i*len(anchors)+a] = row[i]
		}
	}
	return data, attrs, len(anchors)
}

func TestDecodeYOLOv8(t *testing.T) {
	frame := frameInfo{width: 1280, height: 960, scaleX: 2, scaleY: 1.5}
	data, rows, cols := tensor(2, [][]float32{
		{100, 100, 40, 80, 0.9, 0.1},   // person
		{102, 101, 40, 80, 0.8, 0.05},  // overlaps the first, suppressed
		{300, 300, 50, 50, 0.2, 0.7},   // class 1
		{500, 500, 20, 20, 0.05, 0.1},  // below conf
		{102, 101, 40, 80, 0.05, 0.85}, // same place as first but other class, kept
	})

	got := decodeYOLOv8(data, rows, cols, frame, 0.25, 0.45)
	require.Len(t, got, 3)

	assert.Equal(t, 0, got[0].ClassID)
	assert.InDelta(t, 0.9, got[0].Conf, 1e-6)
	assert.InDelta(t, 160, got[0].Box.X1, 1e-6)
	assert.InDelta(t, 90, got[0].Box.Y1, 1e-6)
	assert.InDelta(t, 240, got[0].Box.X2, 1e-6)
	assert.InDelta(t, 210, got[0].Box.Y2, 1e-6)

	assert.Equal(t, 1, got[1].ClassID)
	assert.InDelta(t, 0.85, got[1].Conf, 1e-6)
	assert.Equal(t, 1, got[2].ClassID)
	assert.InDelta(t, 0.7, got[2].Conf, 1e-6)
}

func TestDecodeYOLOv8_Transposed(t *testing.T) {
	frame := frameInfo{width: 640, height: 640, scaleX: 1, scaleY: 1}
	// [N, 4+nc] with N > 4+nc
	rows := [][]float32{
		{10, 10, 10, 10, 0.9},
		{100, 100, 10, 10, 0.6},
		{200, 200, 10, 10, 0.1},
		{300, 300, 10, 10, 0.7},
		{400, 400, 10, 10, 0.3},
		{500, 500, 10, 10, 0.2},
	}
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	got := decodeYOLOv8(data, len(rows), 5, frame, 0.25, 0.45)
	require.Len(t, got, 4)
	assert.InDelta(t, 0.9, got[0].Conf, 1e-6)
	assert.InDelta(t, 0.7, got[1].Conf, 1e-6)
	assert.InDelta(t, 0.6, got[2].Conf, 1e-6)
	assert.InDelta(t, 0.3, got[3].Conf, 1e-6)
}

func TestDecodeYOLOv8_ClampsAndDropsDegenerate(t *testing.T) {
	frame := frameInfo{width: 100, height: 100, scaleX: 1, scaleY: 1}
	data, rows, cols := tensor(1, [][]float32{
		{0, 0, 40, 40, 0.9},     // clipped to the top-left corner
		{150, 150, 20, 20, 0.9}, // entirely outside
	})
	got := decodeYOLOv8(data, rows, cols, frame, 0.25, 0.45)
	require.Len(t, got, 1)
	assert.Equal(t, iface.Box{X1: 0, Y1: 0, X2: 20, Y2: 20}, got[0].Box)
}

func TestNMS(t *testing.T) {
	t.Run("Test empty", func(t *testing.T) {
		assert.Empty(t, nms(nil, 0.25, 0.45))
	})

	t.Run("Test class aware and ordered", func(t *testing.T) {
		in := []iface.Result{
			{ClassID: 0, Conf: 0.6, Box: iface.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}},
			{ClassID: 0, Conf: 0.9, Box: iface.Box{X1: 2, Y1: 2, X2: 102, Y2: 102}},
			{ClassID: 3, Conf: 0.7, Box: iface.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}},
			{ClassID: 0, Conf: 0.8, Box: iface.Box{X1: 300, Y1: 300, X2: 350, Y2: 350}},
		}
		got := nms(in, 0.25, 0.45)
		require.Len(t, got, 3)
		assert.InDelta(t, 0.9, got[0].Conf, 1e-6)
		assert.InDelta(t, 0.8, got[1].Conf, 1e-6)
		assert.Equal(t, 3, got[2].ClassID)
	})
}

func TestLabels(t *testing.T) {
	t.Run("Test DefaultNames", func(t *testing.T) {
		names := DefaultNames()
		assert.Len(t, names, 80)
		assert.Equal(t, "person", names[0])
		assert.Equal(t, "toothbrush", names[79])
	})

	t.Run("Test ParseNames list", func(t *testing.T) {
		names, err := ParseNames([]byte("names:\n  - head\n  - person\n"))
		require.NoError(t, err)
		assert.Equal(t, map[int]string{0: "head", 1: "person"}, names)
	})

	t.Run("Test ParseNames mapping", func(t *testing.T) {
		names, err := ParseNames([]byte("path: ../data\nnames:\n  3: person\n  7: dog\n"))
		require.NoError(t, err)
		assert.Equal(t, map[int]string{3: "person", 7: "dog"}, names)
	})

	t.Run("Test ParseNames scalar", func(t *testing.T) {
		_, err := ParseNames([]byte("person"))
		assert.Error(t, err)
	})

	t.Run("Test LoadNames text", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labels.txt")
		require.NoError(t, os.WriteFile(path, []byte("person\r\ncar\r\n\r\nbicycle\n\n"), 0o644))
		names, err := LoadNames(path)
		require.NoError(t, err)
		assert.Equal(t, map[int]string{0: "person", 1: "car", 2: "bicycle"}, names)
	})

	t.Run("Test LoadNames empty path", func(t *testing.T) {
		names, err := LoadNames("")
		require.NoError(t, err)
		assert.Len(t, names, 80)
	})

	t.Run("Test ClassID", func(t *testing.T) {
		id, ok := ClassID(map[int]string{0: "head", 4: "person"}, "person")
		assert.True(t, ok)
		assert.Equal(t, 4, id)
		id, ok = ClassID(map[int]string{0: "head"}, "2")
		assert.True(t, ok)
		assert.Equal(t, 2, id)
		_, ok = ClassID(map[int]string{0: "head"}, "person")
		assert.False(t, ok)
	})
}

type stubBackend struct {
	destroyed atomic.Bool
}

func (s *stubBackend) Infer(string) ([]iface.Result, error) {
	return []iface.Result{{ClassID: 0, Conf: 0.5}}, nil
}
func (s *stubBackend) Names() map[int]string            { return map[int]string{0: "person"} }
func (s *stubBackend) CheckConfig() iface.EngineConfig { return iface.EngineConfig{Backend: "stub"} }
func (s *stubBackend) Destroy()                         { s.destroyed.Store(true) }

func TestLazy(t *testing.T) {
	t.Run("Test retry after failed load", func(t *testing.T) {
		var calls int
		l := NewLazy(func() (iface.Backend, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("weights missing")
			}
			return &stubBackend{}, nil
		})
		_, err := l.Infer("a.jpg")
		assert.ErrorContains(t, err, "model unavailable")
		assert.False(t, l.Loaded())

		res, err := l.Infer("a.jpg")
		require.NoError(t, err)
		assert.Len(t, res, 1)
		assert.Equal(t, 2, calls)
	})

	t.Run("Test loads once under concurrency", func(t *testing.T) {
		var calls atomic.Int32
		l := NewLazy(func() (iface.Backend, error) {
			calls.Add(1)
			time.Sleep(10 * time.Millisecond)
			return &stubBackend{}, nil
		})
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = l.Infer("a.jpg")
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, "stub", l.CheckConfig().Backend)
	})

	t.Run("Test Destroy", func(t *testing.T) {
		stub := &stubBackend{}
		l := NewLazy(func() (iface.Backend, error) { return stub, nil })
		_, err := l.Get()
		require.NoError(t, err)
		l.Destroy()
		assert.True(t, stub.destroyed.Load())
		_, err = l.Get()
		assert.ErrorIs(t, err, ErrDestroyed)
	})
}

func TestRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/detect/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			f, _, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = f.Close()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"names": map[string]string{"0": "person", "1": "car"},
				"detections": []map[string]any{
					{"bbox": []float64{1, 2, 3, 4}, "confidence": 0.8, "class_id": 0},
					{"bbox": []float64{5, 6, 7, 8}, "confidence": 0.4, "class_id": 1},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "in.jpg")
	require.NoError(t, os.WriteFile(img, []byte("not really a jpeg"), 0o644))

	r := NewRemote(srv.URL+"/detect", 5*time.Second)
	assert.Len(t, r.Names(), 80)
	require.NoError(t, r.CheckHealth(context.Background()))

	res, err := r.Infer(img)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, iface.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, res[0].Box)
	assert.InDelta(t, 0.8, res[0].Conf, 1e-9)
	assert.Equal(t, 1, res[1].ClassID)
	assert.Equal(t, map[int]string{0: "person", 1: "car"}, r.Names())
	assert.Equal(t, "remote", r.CheckConfig().Backend)

	bad := NewRemote(srv.URL+"/nope", 5*time.Second)
	_, err = bad.Infer(img)
	assert.Error(t, err)
	assert.Error(t, bad.CheckHealth(context.Background()))
}
