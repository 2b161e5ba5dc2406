package engine

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"YoloDataAug/dataset"
	iface "YoloDataAug/interface"
	"YoloDataAug/label"
	"YoloDataAug/logger"
	"YoloDataAug/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Pipeline expands a train split with one derived pair per stage per image.
// Stages always see the pristine original, never each other's output.
type Pipeline struct {
	Stages      []iface.Stage
	Codec       label.Codec
	CopyValTest bool
	Logger      *zap.Logger
}

type RunResult struct {
	Originals    int      `json:"originals"`
	Derived      int      `json:"derived"`
	Skipped      int      `json:"skipped"`
	SkippedFiles []string `json:"skippedFiles,omitempty"`
	Copied       int      `json:"copied"`
}

// NewPipeline builds the configured stages. An empty cfgs uses DefaultStages.
func NewPipeline(cfgs []StageConfig, validate, copyValTest bool, rng *rand.Rand, log *zap.Logger) (*Pipeline, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultStages()
	}
	stages, err := NewStages(cfgs, rng)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Stages:      stages,
		Codec:       label.Codec{Validate: validate},
		CopyValTest: copyValTest,
		Logger:      log,
	}, nil
}

// AugmentedStem names the i-th (1-based) derived pair of stem.
func AugmentedStem(stem string, i int) string {
	return fmt.Sprintf("%s_augmented_%d", stem, i)
}

// Run rebuilds dst from src. A label that fails to decode or a stage that
// fails aborts the run with an error naming the source image; an image
// OpenCV cannot read is skipped.
func (p *Pipeline) Run(src, dst string) (*RunResult, error) {
	log := logger.Or(p.Logger)
	if err := dataset.RequireSource(src); err != nil {
		return nil, err
	}
	if err := dataset.Prepare(dst); err != nil {
		return nil, err
	}

	stages := append([]iface.Stage(nil), p.Stages...)
	SortStages(stages)

	srcImages := dataset.ImageDir(src, iface.SplitTrain)
	srcLabels := dataset.LabelDir(src, iface.SplitTrain)
	dstImages := dataset.ImageDir(dst, iface.SplitTrain)
	dstLabels := dataset.LabelDir(dst, iface.SplitTrain)

	names, err := dataset.ListFiles(srcImages)
	if err != nil {
		return nil, err
	}
	res := &RunResult{}
	for _, name := range names {
		imgPath := filepath.Join(srcImages, name)
		derived, err := p.augmentOne(imgPath, srcLabels, dstImages, dstLabels, stages)
		if err != nil {
			monitor.AugmentImages.WithLabelValues("failed").Inc()
			log.Error("augmentation aborted", zap.String("image", imgPath), zap.Error(err))
			return res, fmt.Errorf("augment %s: %w", imgPath, err)
		}
		if derived < 0 {
			monitor.AugmentImages.WithLabelValues("skipped").Inc()
			log.Warn("skipping unreadable image", zap.String("image", imgPath))
			res.Skipped++
			res.SkippedFiles = append(res.SkippedFiles, imgPath)
			continue
		}
		monitor.AugmentImages.WithLabelValues("ok").Inc()
		monitor.DerivedPairs.Add(float64(derived))
		res.Originals++
		res.Derived += derived
	}

	if p.CopyValTest {
		for _, split := range []iface.Split{iface.SplitVal, iface.SplitTest} {
			n, err := copySplit(src, dst, split)
			if err != nil {
				return res, err
			}
			res.Copied += n
		}
	}
	log.Info("augmentation finished",
		zap.String("source", src),
		zap.String("dest", dst),
		zap.Int("stages", len(stages)),
		zap.Int("originals", res.Originals),
		zap.Int("derived", res.Derived),
		zap.Int("skipped", res.Skipped),
		zap.Int("copied", res.Copied))
	return res, nil
}

// augmentOne writes the original pair and its derived pairs. It returns -1
// when the raster cannot be decoded. On error nothing written for the image
// is left behind.
func (p *Pipeline) augmentOne(imgPath, srcLabels, dstImages, dstLabels string, stages []iface.Stage) (n int, err error) {
	ai, err := p.load(imgPath, srcLabels)
	if err != nil || ai == nil {
		return -1, err
	}
	defer ai.Close()

	labelPath := label.Path(srcLabels, ai.ID)
	written := []string{filepath.Join(dstImages, ai.ID+ai.Ext), label.Path(dstLabels, ai.ID)}
	defer func() {
		if err != nil {
			for _, w := range written {
				_ = os.Remove(w)
			}
		}
	}()
	if _, err := dataset.CopyPair(imgPath, labelPath, dstImages, dstLabels); err != nil {
		return 0, err
	}

	for i, st := range stages {
		out, outBoxes, err := st.Apply(ai.Image, ai.Boxes)
		if err != nil {
			return i, err
		}
		augStem := AugmentedStem(ai.ID, i+1)
		outPath := filepath.Join(dstImages, augStem+ai.Ext)
		outLabel := label.Path(dstLabels, augStem)
		written = append(written, outPath, outLabel)
		ok := gocv.IMWrite(outPath, out)
		_ = out.Close()
		if !ok {
			return i, fmt.Errorf("write image %s failed", outPath)
		}
		if err := p.Codec.Encode(outLabel, outBoxes); err != nil {
			return i, err
		}
	}
	return len(stages), nil
}

// load decodes the label before the raster so a malformed label fails
// even when the image is unreadable. A nil image with a nil error means
// OpenCV could not decode the raster.
func (p *Pipeline) load(imgPath, labelDir string) (*iface.AnnotatedImage, error) {
	name := filepath.Base(imgPath)
	stem := dataset.Stem(name)
	boxes, err := p.Codec.Decode(label.Path(labelDir, stem))
	if err != nil {
		return nil, err
	}
	img := gocv.IMRead(imgPath, gocv.IMReadColor)
	if img.Empty() {
		_ = img.Close()
		return nil, nil
	}
	return &iface.AnnotatedImage{ID: stem, Ext: filepath.Ext(name), Image: img, Boxes: boxes}, nil
}

// copySplit mirrors images/{split} and labels/{split} verbatim.
func copySplit(src, dst string, split iface.Split) (int, error) {
	copied := 0
	for _, dirs := range [][2]string{
		{dataset.ImageDir(src, split), dataset.ImageDir(dst, split)},
		{dataset.LabelDir(src, split), dataset.LabelDir(dst, split)},
	} {
		names, err := dataset.ListFiles(dirs[0])
		if err != nil {
			return copied, err
		}
		if len(names) == 0 {
			continue
		}
		if err := os.MkdirAll(dirs[1], 0o755); err != nil {
			return copied, err
		}
		for _, n := range names {
			if err := dataset.CopyFile(filepath.Join(dirs[0], n), filepath.Join(dirs[1], n)); err != nil {
				return copied, err
			}
			copied++
		}
	}
	return copied, nil
}
