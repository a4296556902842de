package service

import (
	"HumanCountServer/engine"
	iface "HumanCountServer/interface"
	"HumanCountServer/model"
	"fmt"
)

const (
	DefaultThreshold   = 0.1
	DefaultTargetClass = "person"
)

// Detect keeps the person detections at or above threshold, in detector
// order, each carrying its index in the unfiltered output.
func Detect(b iface.Backend, imagePath string, threshold float64) ([]model.PersonDetection, error) {
	return DetectClass(b, imagePath, threshold, DefaultTargetClass)
}

// DetectClass is Detect for an arbitrary class name. When the backend has no
// class by that name, class id 0 is used.
func DetectClass(b iface.Backend, imagePath string, threshold float64, target string) ([]model.PersonDetection, error) {
	results, err := b.Infer(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetect, err)
	}
	classID, ok := engine.ClassID(b.Names(), target)
	if !ok {
		classID = 0
	}

	people := make([]model.PersonDetection, 0, len(results))
	for i, r := range results {
		if r.ClassID != classID || r.Conf < threshold {
			continue
		}
		people = append(people, model.PersonDetection{
			BBox:       []float64{r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2},
			Confidence: r.Conf,
			Index:      i,
		})
	}
	return people, nil
}
