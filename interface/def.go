package iface

import "gocv.io/x/gocv"

type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitTest  Split = "test"
)

// BoundingBox is one annotation line in normalized YOLO form. Geometry is
// relative to the image size, origin top-left, y growing downward.
type BoundingBox struct {
	ClassID int
	XCenter float64
	YCenter float64
	Width   float64
	Height  float64
}

// AnnotatedImage pairs a decoded raster with the boxes of its label file.
// ID is the shared file stem of the image and its label.
type AnnotatedImage struct {
	ID    string
	Ext   string
	Image gocv.Mat
	Boxes []BoundingBox
}

func (a *AnnotatedImage) Close() error {
	return a.Image.Close()
}
