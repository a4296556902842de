package service

import (
	"HumanCountServer/model"
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	"gocv.io/x/gocv"
)

var (
	boxColor    = color.RGBA{R: 0, G: 128, B: 0, A: 0}
	bannerColor = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	textColor   = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

const (
	boxThickness = 3
	fontFace     = gocv.FontHersheySimplex
	fontScale    = 0.5
	fontWeight   = 1
)

// Render draws every detection and a people-count banner over the image at
// imagePath and writes the result to outputPath as JPEG. Labels are numbered
// from 1 in list order.
func Render(imagePath string, people []model.PersonDetection, outputPath string) error {
	img := gocv.IMRead(imagePath, gocv.IMReadColor)
	if img.Empty() {
		_ = img.Close()
		return fmt.Errorf("%w: cannot decode %s", ErrRender, filepath.Base(imagePath))
	}
	defer img.Close()

	if err := drawPeople(&img, people); err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}
	if !gocv.IMWrite(outputPath, img) {
		return fmt.Errorf("%w: cannot write %s", ErrRender, filepath.Base(outputPath))
	}
	return nil
}

func drawPeople(img *gocv.Mat, people []model.PersonDetection) error {
	for i, p := range people {
		if len(p.BBox) != 4 {
			return fmt.Errorf("detection %d has %d coordinates", i, len(p.BBox))
		}
		x1, y1, x2, y2 := int(p.BBox[0]), int(p.BBox[1]), int(p.BBox[2]), int(p.BBox[3])
		if err := gocv.Rectangle(img, image.Rect(x1, y1, x2, y2), boxColor, boxThickness); err != nil {
			return err
		}

		label := fmt.Sprintf("Person %d (%.2f)", i+1, p.Confidence)
		size := gocv.GetTextSize(label, fontFace, fontScale, fontWeight)
		bg := image.Rect(x1, y1-size.Y, x1+size.X, y1)
		if err := gocv.Rectangle(img, bg, boxColor, -1); err != nil {
			return err
		}
		if err := gocv.PutText(img, label, image.Pt(x1, y1), fontFace, fontScale, textColor, fontWeight); err != nil {
			return err
		}
	}

	banner := fmt.Sprintf("Total People Count: %d", len(people))
	size := gocv.GetTextSize(banner, fontFace, fontScale, fontWeight)
	if err := gocv.Rectangle(img, image.Rect(10, 10, 10+size.X+20, 10+size.Y+10), bannerColor, -1); err != nil {
		return err
	}
	return gocv.PutText(img, banner, image.Pt(20, 15+size.Y), fontFace, fontScale, textColor, fontWeight)
}
