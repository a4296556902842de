package engine

import (
	iface "HumanCountServer/interface"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

const maxDet = 300

type frameInfo struct {
	width, height  int
	scaleX, scaleY float64
}

// decodeYOLOv8 turns the raw [1, 4+nc, N] head into boxes in source pixels.
// Exports that emit [1, N, 4+nc] are accepted too; the smaller axis is taken
// as the attribute axis.
func decodeYOLOv8(data []float32, rows, cols int, frame frameInfo, conf, iou float32) []iface.Result {
	attrs, anchors := rows, cols
	transposed := false
	if rows > cols {
		attrs, anchors = cols, rows
		transposed = true
	}
	if attrs <= 4 || len(data) < attrs*anchors {
		return nil
	}
	at := func(attr, anchor int) float32 {
		if transposed {
			return data[anchor*attrs+attr]
		}
		return data[attr*anchors+anchor]
	}

	candidates := make([]iface.Result, 0, 64)
	for a := 0; a < anchors; a++ {
		bestID, best := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := at(c, a); bestID < 0 || s > best {
				bestID, best = c-4, s
			}
		}
		if best < conf {
			continue
		}
		cx, cy := float64(at(0, a)), float64(at(1, a))
		w, h := float64(at(2, a)), float64(at(3, a))
		box := iface.Box{
			X1: clamp((cx-w/2)*frame.scaleX, 0, float64(frame.width)),
			Y1: clamp((cy-h/2)*frame.scaleY, 0, float64(frame.height)),
			X2: clamp((cx+w/2)*frame.scaleX, 0, float64(frame.width)),
			Y2: clamp((cy+h/2)*frame.scaleY, 0, float64(frame.height)),
		}
		if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
			continue
		}
		candidates = append(candidates, iface.Result{ClassID: bestID, Conf: float64(best), Box: box})
	}
	return nms(candidates, conf, iou)
}

// maxWH offsets boxes per class so a single NMSBoxes pass never suppresses
// across classes.
const maxWH = 7680

// nms keeps the highest scoring box of every overlapping group within a class.
// The result is ordered by descending confidence.
func nms(in []iface.Result, conf, iou float32) []iface.Result {
	if len(in) == 0 {
		return []iface.Result{}
	}
	rects := make([]image.Rectangle, len(in))
	scores := make([]float32, len(in))
	for i, r := range in {
		off := r.ClassID * maxWH
		rects[i] = image.Rect(
			int(math.Round(r.Box.X1))+off, int(math.Round(r.Box.Y1))+off,
			int(math.Round(r.Box.X2))+off, int(math.Round(r.Box.Y2))+off,
		)
		scores[i] = float32(r.Conf)
	}
	idx := gocv.NMSBoxes(rects, scores, conf, iou)
	sort.SliceStable(idx, func(a, b int) bool { return in[idx[a]].Conf > in[idx[b]].Conf })
	if len(idx) > maxDet {
		idx = idx[:maxDet]
	}
	kept := make([]iface.Result, 0, len(idx))
	for _, i := range idx {
		kept = append(kept, in[i])
	}
	return kept
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
