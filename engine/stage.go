package engine

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sort"
	"time"

	iface "YoloDataAug/interface"
	"YoloDataAug/label"

	"gocv.io/x/gocv"
)

const (
	KindBrightnessContrast = "brightness_contrast"
	KindRotate             = "rotate"
	KindHorizontalFlip     = "horizontal_flip"
	KindVerticalFlip       = "vertical_flip"
	KindGaussianBlur       = "gaussian_blur"
	KindGaussNoise         = "gauss_noise"
	KindPerspective        = "perspective"
)

// Kinds lists the catalogue in its default order.
var Kinds = []string{
	KindBrightnessContrast,
	KindRotate,
	KindHorizontalFlip,
	KindVerticalFlip,
	KindGaussianBlur,
	KindGaussNoise,
	KindPerspective,
}

// TransformError reports a stage that could not produce a valid output.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

var (
	ErrEmptyImage = errors.New("empty image")
	ErrNoBoxes    = errors.New("stage requires at least one box")
)

// StageConfig declares one catalogue stage. Unset parameters take the
// catalogue defaults; an explicit 0 is kept.
type StageConfig struct {
	Name          string    `yaml:"name" json:"name"`
	Kind          string    `yaml:"kind" json:"kind"`
	Order         int       `yaml:"order" json:"order"`
	RequiresBoxes bool      `yaml:"requiresBoxes" json:"requiresBoxes"`
	Brightness    *float64  `yaml:"brightnessLimit" json:"brightnessLimit"`
	Contrast      *float64  `yaml:"contrastLimit" json:"contrastLimit"`
	Limit         *float64  `yaml:"limit" json:"limit"`
	BlurLimit     []int     `yaml:"blurLimit" json:"blurLimit"`
	VarLimit      []float64 `yaml:"varLimit" json:"varLimit"`
	Scale         []float64 `yaml:"scale" json:"scale"`
}

// DefaultStages is the seven-stage list the corpus has always been
// augmented with.
func DefaultStages() []StageConfig {
	cfgs := make([]StageConfig, 0, len(Kinds))
	for i, k := range Kinds {
		cfgs = append(cfgs, StageConfig{Name: k, Kind: k, Order: i + 1})
	}
	return cfgs
}

// op renders the pixels of one stage. A nil matrix means the stage leaves
// box geometry alone.
type op interface {
	render(src gocv.Mat, rng *rand.Rand) (gocv.Mat, *Matrix, error)
}

// Stage is a configured catalogue entry. It implements iface.Stage.
type Stage struct {
	name          string
	kind          string
	order         int
	requiresBoxes bool
	op            op
	rng           *rand.Rand
}

// NewStage validates cfg and builds the stage. rng may be nil.
func NewStage(cfg StageConfig, rng *rand.Rand) (*Stage, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o, err := newOp(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Kind
	}
	return &Stage{
		name:          name,
		kind:          cfg.Kind,
		order:         cfg.Order,
		requiresBoxes: cfg.RequiresBoxes,
		op:            o,
		rng:           rng,
	}, nil
}

// NewStages builds every cfg and returns them sorted by declared order;
// equal orders keep declaration order.
func NewStages(cfgs []StageConfig, rng *rand.Rand) ([]iface.Stage, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	stages := make([]iface.Stage, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := NewStage(c, rng)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		stages = append(stages, s)
	}
	SortStages(stages)
	return stages, nil
}

func SortStages(stages []iface.Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Order() < stages[j].Order()
	})
}

func (s *Stage) Name() string { return s.name }
func (s *Stage) Kind() string { return s.kind }
func (s *Stage) Order() int   { return s.order }

// Apply transforms img and boxes together. Neither input is modified.
func (s *Stage) Apply(img gocv.Mat, boxes []iface.BoundingBox) (gocv.Mat, []iface.BoundingBox, error) {
	if img.Empty() {
		return gocv.NewMat(), nil, &TransformError{Stage: s.name, Err: ErrEmptyImage}
	}
	if s.requiresBoxes && len(boxes) == 0 {
		return gocv.NewMat(), nil, &TransformError{Stage: s.name, Err: ErrNoBoxes}
	}

	dst, m, err := s.op.render(img, s.rng)
	if err != nil {
		_ = dst.Close()
		return gocv.NewMat(), nil, &TransformError{Stage: s.name, Err: err}
	}
	if dst.Empty() {
		_ = dst.Close()
		return gocv.NewMat(), nil, &TransformError{Stage: s.name, Err: fmt.Errorf("%s produced no pixels", s.kind)}
	}

	// photometric stages hand boxes back as decoded
	if m == nil {
		return dst, append(make([]iface.BoundingBox, 0, len(boxes)), boxes...), nil
	}
	out := TransformBoxes(boxes, *m, float64(img.Cols()), float64(img.Rows()))
	for i, b := range out {
		if reason := label.Validate(b); reason != "" {
			_ = dst.Close()
			return gocv.NewMat(), nil, &TransformError{Stage: s.name, Err: fmt.Errorf("box %d: %s", i, reason)}
		}
	}
	return dst, out, nil
}

func newOp(cfg StageConfig) (op, error) {
	switch cfg.Kind {
	case KindBrightnessContrast:
		b := valueOr(cfg.Brightness, 0.2)
		c := valueOr(cfg.Contrast, 0.2)
		if b < 0 || c < 0 || c >= 1 {
			return nil, fmt.Errorf("%s: limits must be >= 0 and contrast < 1", cfg.Kind)
		}
		return brightnessContrast{brightness: b, contrast: c}, nil
	case KindRotate:
		l := valueOr(cfg.Limit, 30)
		if l < 0 || l > 180 {
			return nil, fmt.Errorf("%s: limit %v outside [0, 180]", cfg.Kind, l)
		}
		return rotate{limit: l}, nil
	case KindHorizontalFlip:
		return flip{horizontal: true}, nil
	case KindVerticalFlip:
		return flip{horizontal: false}, nil
	case KindGaussianBlur:
		lo, hi := 3, 7
		if len(cfg.BlurLimit) == 2 {
			lo, hi = cfg.BlurLimit[0], cfg.BlurLimit[1]
		} else if len(cfg.BlurLimit) != 0 {
			return nil, fmt.Errorf("%s: blurLimit needs two values", cfg.Kind)
		}
		if lo < 1 || hi < lo {
			return nil, fmt.Errorf("%s: invalid blurLimit [%d, %d]", cfg.Kind, lo, hi)
		}
		return gaussianBlur{min: lo, max: hi}, nil
	case KindGaussNoise:
		lo, hi, err := pair(cfg.VarLimit, 10, 50, "varLimit")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Kind, err)
		}
		return gaussNoise{varMin: lo, varMax: hi}, nil
	case KindPerspective:
		lo, hi, err := pair(cfg.Scale, 0.05, 0.1, "scale")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Kind, err)
		}
		if hi >= 0.5 {
			return nil, fmt.Errorf("%s: scale must stay below 0.5", cfg.Kind)
		}
		return perspective{scaleMin: lo, scaleMax: hi}, nil
	case "":
		return nil, fmt.Errorf("stage kind is required")
	default:
		return nil, fmt.Errorf("unknown stage kind %q", cfg.Kind)
	}
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func pair(v []float64, lo, hi float64, name string) (float64, float64, error) {
	switch len(v) {
	case 0:
	case 2:
		lo, hi = v[0], v[1]
	default:
		return 0, 0, fmt.Errorf("%s needs two values", name)
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("invalid %s [%v, %v]", name, lo, hi)
	}
	return lo, hi, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

type brightnessContrast struct {
	brightness, contrast float64
}

func (o brightnessContrast) render(src gocv.Mat, rng *rand.Rand) (gocv.Mat, *Matrix, error) {
	alpha := 1 + uniform(rng, -o.contrast, o.contrast)
	beta := 255 * uniform(rng, -o.brightness, o.brightness)
	dst := gocv.NewMat()
	src.ConvertToWithParams(&dst, src.Type(), float32(alpha), float32(beta))
	return dst, nil, nil
}

type rotate struct {
	limit float64
}

func (o rotate) render(src gocv.Mat, rng *rand.Rand) (gocv.Mat, *Matrix, error) {
	angle := uniform(rng, -o.limit, o.limit)
	w, h := src.Cols(), src.Rows()
	m := Rotation(float64(w-1)/2, float64(h-1)/2, angle)
	return warp(src, m, false), &m, nil
}

type flip struct {
	horizontal bool
}

func (o flip) render(src gocv.Mat, _ *rand.Rand) (gocv.Mat, *Matrix, error) {
	dst := gocv.NewMat()
	var m Matrix
	if o.horizontal {
		gocv.Flip(src, &dst, 1)
		m = HorizontalFlip(float64(src.Cols()))
	} else {
		gocv.Flip(src, &dst, 0)
		m = VerticalFlip(float64(src.Rows()))
	}
	return dst, &m, nil
}

type gaussianBlur struct {
	min, max int
}

// kernel draws an odd kernel size in [min, max], widening to the next odd
// value when the range holds none.
func (o gaussianBlur) kernel(rng *rand.Rand) int {
	k := o.min + rng.Intn(o.max-o.min+1)
	if k%2 == 0 {
		if k+1 <= o.max {
			k++
		} else if k-1 >= o.min {
			k--
		} else {
			k++
		}
	}
	return k
}

func (o gaussianBlur) render(src gocv.Mat, rng *rand.Rand) (gocv.Mat, *Matrix, error) {
	k := o.kernel(rng)
	dst := gocv.NewMat()
	gocv.GaussianBlur(src, &dst, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	return dst, nil, nil
}

type gaussNoise struct {
	varMin, varMax float64
}

func (o gaussNoise) render(src gocv.Mat, rng *rand.Rand) (gocv.Mat, *Matrix, error) {
	sigma := math.Sqrt(uniform(rng, o.varMin, o.varMax))
	floatType := gocv.MatTypeCV32FC3
	outType := gocv.MatTypeCV8UC3
	if src.Channels() == 1 {
		floatType, outType = gocv.MatTypeCV32FC1, gocv.MatTypeCV8UC1
	}

	f := gocv.NewMat()
	defer f.Close()
	src.ConvertTo(&f, floatType)

	noise := gocv.NewMatWithSize(src.Rows(), src.Cols(), floatType)
	defer noise.Close()
	gocv.RandN(&noise, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(sigma, sigma, sigma, 0))

	sum := gocv.NewMat()
	defer sum.Close()
	gocv.Add(f, noise, &sum)

	dst := gocv.NewMat()
	sum.ConvertTo(&dst, outType)
	return dst, nil, nil
}

type perspective struct {
	scaleMin, scaleMax float64
}

// corners pulls each frame corner inward by |N(0, scale)| of the frame size.
func (o perspective) corners(w, h float64, rng *rand.Rand) [4][2]float64 {
	scale := uniform(rng, o.scaleMin, o.scaleMax)
	jitter := func() float64 {
		return math.Min(math.Abs(rng.NormFloat64()*scale), 0.45)
	}
	return [4][2]float64{
		{jitter() * w, jitter() * h},
		{w - jitter()*w, jitter() * h},
		{w - jitter()*w, h - jitter()*h},
		{jitter() * w, h - jitter()*h},
	}
}

func (o perspective) render(src gocv.Mat, rng *rand.Rand) (gocv.Mat, *Matrix, error) {
	w, h := float64(src.Cols()), float64(src.Rows())
	frame := [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}}
	m, err := Homography(pixelCentres(frame), pixelCentres(o.corners(w, h, rng)))
	if err != nil {
		return gocv.NewMat(), nil, err
	}
	return warp(src, m, true), &m, nil
}

// pixelCentres moves frame-edge points into the pixel-index space of Matrix.
func pixelCentres(pts [4][2]float64) [4][2]float64 {
	for i := range pts {
		pts[i][0] -= 0.5
		pts[i][1] -= 0.5
	}
	return pts
}

func warp(src gocv.Mat, m Matrix, projective bool) gocv.Mat {
	dst := gocv.NewMat()
	size := image.Pt(src.Cols(), src.Rows())
	if projective {
		tm := m.ToMat(3)
		defer tm.Close()
		gocv.WarpPerspectiveWithParams(src, &dst, tm, size, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
		return dst
	}
	tm := m.ToMat(2)
	defer tm.Close()
	gocv.WarpAffineWithParams(src, &dst, tm, size, gocv.InterpolationLinear, gocv.BorderReflect101, color.RGBA{})
	return dst
}
