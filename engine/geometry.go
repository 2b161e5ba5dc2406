package engine

import (
	"fmt"
	"image"
	"math"

	iface "YoloDataAug/interface"

	"gocv.io/x/gocv"
)

// Matrix is a 3x3 transform in pixel-index coordinates, the ones OpenCV
// warps with: the centre of the top-left pixel is (0, 0). Affine transforms
// keep the last row at (0, 0, 1).
type Matrix [3][3]float64

func Identity() Matrix {
	return Matrix{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns m·o, so o is applied first.
func (m Matrix) Mul(o Matrix) Matrix {
	var r Matrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return r
}

// Apply maps a point, dividing through by the projective term.
func (m Matrix) Apply(x, y float64) (float64, float64) {
	u := m[0][0]*x + m[0][1]*y + m[0][2]
	v := m[1][0]*x + m[1][1]*y + m[1][2]
	z := m[2][0]*x + m[2][1]*y + m[2][2]
	if z == 0 {
		z = 1e-12
	}
	return u / z, v / z
}

// ToMat converts the first rows of m into a CV_64F Mat, 2 rows for
// WarpAffine and 3 for WarpPerspective.
func (m Matrix) ToMat(rows int) gocv.Mat {
	r := gocv.NewMatWithSize(rows, 3, gocv.MatTypeCV64FC1)
	for y := 0; y < rows; y++ {
		for x := 0; x < 3; x++ {
			r.SetDoubleAt(y, x, m[y][x])
		}
	}
	return r
}

// fromMat reads a 2x3 or 3x3 CV_64F Mat back into a Matrix.
func fromMat(mat gocv.Mat) Matrix {
	m := Identity()
	for y := 0; y < mat.Rows() && y < 3; y++ {
		for x := 0; x < 3; x++ {
			m[y][x] = mat.GetDoubleAt(y, x)
		}
	}
	return m
}

func Translation(dx, dy float64) Matrix {
	return Matrix{{1, 0, dx}, {0, 1, dy}, {0, 0, 1}}
}

func HorizontalFlip(w float64) Matrix {
	return Matrix{{-1, 0, w - 1}, {0, 1, 0}, {0, 0, 1}}
}

func VerticalFlip(h float64) Matrix {
	return Matrix{{1, 0, 0}, {0, -1, h - 1}, {0, 0, 1}}
}

// Rotation turns the content counter-clockwise on screen by angle degrees
// around (cx, cy). GetRotationMatrix2D only takes an integer centre, so the
// matrix is built at the origin and moved onto the sub-pixel centre.
func Rotation(cx, cy, angle float64) Matrix {
	rot := gocv.GetRotationMatrix2D(image.Pt(0, 0), angle, 1)
	defer rot.Close()
	return Translation(cx, cy).Mul(fromMat(rot)).Mul(Translation(-cx, -cy))
}

// Homography returns the projective transform taking src[i] to dst[i].
func Homography(src, dst [4][2]float64) (Matrix, error) {
	sv := gocv.NewPoint2fVectorFromPoints(points2f(src))
	defer sv.Close()
	dv := gocv.NewPoint2fVectorFromPoints(points2f(dst))
	defer dv.Close()

	pt := gocv.GetPerspectiveTransform2f(sv, dv)
	defer pt.Close()
	if pt.Empty() {
		return Matrix{}, fmt.Errorf("no perspective transform")
	}
	m := fromMat(pt)
	if math.Abs(m.det()) < 1e-12 {
		return Matrix{}, fmt.Errorf("degenerate point correspondence")
	}
	return m, nil
}

func points2f(pts [4][2]float64) []gocv.Point2f {
	out := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		out[i] = gocv.Point2f{X: float32(p[0]), Y: float32(p[1])}
	}
	return out
}

func (m Matrix) det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// TransformBoxes maps normalized boxes through a pixel-index transform of a
// w x h frame. Box edges sit half a pixel outside the centres of their
// border pixels, so corners are shifted onto pixel centres before mapping
// and back after. Each box becomes the axis-aligned hull of its mapped corners,
// clipped to the frame; boxes left with no area inside the frame are dropped.
// The order of surviving boxes is preserved.
func TransformBoxes(boxes []iface.BoundingBox, m Matrix, w, h float64) []iface.BoundingBox {
	out := make([]iface.BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		x0 := (b.XCenter - b.Width/2) * w
		x1 := (b.XCenter + b.Width/2) * w
		y0 := (b.YCenter - b.Height/2) * h
		y1 := (b.YCenter + b.Height/2) * h

		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for _, c := range [4][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}} {
			u, v := m.Apply(c[0]-0.5, c[1]-0.5)
			u, v = u+0.5, v+0.5
			minX, maxX = math.Min(minX, u), math.Max(maxX, u)
			minY, maxY = math.Min(minY, v), math.Max(maxY, v)
		}

		minX, maxX = math.Max(minX, 0), math.Min(maxX, w)
		minY, maxY = math.Max(minY, 0), math.Min(maxY, h)
		if !(maxX > minX) || !(maxY > minY) {
			continue
		}
		out = append(out, iface.BoundingBox{
			ClassID: b.ClassID,
			XCenter: clampUnit((minX + maxX) / 2 / w),
			YCenter: clampUnit((minY + maxY) / 2 / h),
			Width:   clampUnit((maxX - minX) / w),
			Height:  clampUnit((maxY - minY) / h),
		})
	}
	return out
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
