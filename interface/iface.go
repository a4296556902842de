package iface

// EngineConfig is a snapshot of how a backend was loaded.
type EngineConfig struct {
	Backend   string
	ModelPath string
	Names     map[int]string
	Conf      float32
	Iou       float32
	UseGPU    bool
	Replicas  int
}

// Box is an axis-aligned box in pixel coordinates, X1 < X2 and Y1 < Y2.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Result is one raw detection. Results are returned in detector order and
// that order is what callers index by.
type Result struct {
	ClassID int
	Conf    float64
	Box     Box
}

// Backend is the detection model handle.
//
// Implementations must be safe for concurrent Infer calls: one handle is
// shared read-only by every request in the process.
type Backend interface {
	// Infer runs the model over the image file at imagePath.
	Infer(imagePath string) ([]Result, error)
	// Names maps class id to class name.
	Names() map[int]string
	CheckConfig() EngineConfig
	Destroy()
}
