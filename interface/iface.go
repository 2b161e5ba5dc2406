package iface

import "gocv.io/x/gocv"

// Stage is one augmentation transform applied jointly to a raster and its
// boxes. Implementations must not mutate img or boxes; the returned Mat is
// owned by the caller.
type Stage interface {
	Name() string
	Kind() string
	Order() int
	Apply(img gocv.Mat, boxes []BoundingBox) (gocv.Mat, []BoundingBox, error)
}
