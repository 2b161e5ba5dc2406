package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	iface "YoloDataAug/interface"
	"YoloDataAug/label"
	"YoloDataAug/logger"

	"go.uber.org/zap"
)

const DefaultValFraction = 0.05

// Partitioner copies a raw train split into a fresh tree and carves a
// validation split out of it, sampling each category on its own.
type Partitioner struct {
	Categories *Categories
	Codec      label.Codec
	Rand       *rand.Rand
	Logger     *zap.Logger
}

// PartitionResult lists the image ids that ended up in each split, per category.
type PartitionResult struct {
	Train map[string][]string `json:"train"`
	Val   map[string][]string `json:"val"`
}

func NewPartitioner(categories *Categories, rng *rand.Rand, log *zap.Logger) *Partitioner {
	return &Partitioner{
		Categories: categories,
		Codec:      label.Codec{Validate: true},
		Rand:       rng,
		Logger:     log,
	}
}

// ValCount is the number of validation images drawn from a category of
// count images: floor(count * valFraction), but at least one.
func ValCount(count int, valFraction float64) int {
	if count <= 0 {
		return 0
	}
	// the epsilon keeps 20 * 0.05 from landing on 0.999...
	k := int(math.Floor(float64(count)*valFraction + 1e-9))
	if k < 1 {
		k = 1
	}
	if k > count {
		k = count
	}
	return k
}

// Partition rebuilds dst from src/images/train. Every label is decoded
// before its pair is copied, so a malformed label stops the run without
// leaving that image behind.
func (p *Partitioner) Partition(src, dst string, valFraction float64) (*PartitionResult, error) {
	log := logger.Or(p.Logger)
	if !(valFraction > 0 && valFraction <= 1) {
		return nil, fmt.Errorf("val fraction %v outside (0, 1]", valFraction)
	}
	cats := p.Categories
	if cats == nil {
		cats = DefaultCategories()
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if err := RequireSource(src); err != nil {
		return nil, err
	}
	if err := Prepare(dst); err != nil {
		return nil, err
	}

	srcImages := ImageDir(src, iface.SplitTrain)
	srcLabels := LabelDir(src, iface.SplitTrain)
	dstImages := ImageDir(dst, iface.SplitTrain)
	dstLabels := LabelDir(dst, iface.SplitTrain)

	names, err := ListFiles(srcImages)
	if err != nil {
		return nil, err
	}
	copied := 0
	for _, name := range names {
		if _, ok := cats.Key(name); !ok {
			continue
		}
		imgPath := filepath.Join(srcImages, name)
		labelPath := label.Path(srcLabels, Stem(name))
		if _, err := p.Codec.Decode(labelPath); err != nil {
			log.Error("partition aborted", zap.String("image", imgPath), zap.Error(err))
			return nil, fmt.Errorf("partition %s: %w", imgPath, err)
		}
		if _, err := CopyPair(imgPath, labelPath, dstImages, dstLabels); err != nil {
			log.Error("partition aborted", zap.String("image", imgPath), zap.Error(err))
			return nil, err
		}
		copied++
	}
	log.Info("copied training pairs", zap.String("source", src), zap.String("dest", dst), zap.Int("count", copied))

	// group from the destination listing so sampling sees the complete,
	// sorted pool of each category
	copiedNames, err := ListFiles(dstImages)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]string)
	for _, name := range copiedNames {
		if key, ok := cats.Key(name); ok {
			groups[key] = append(groups[key], name)
		}
	}

	res := &PartitionResult{
		Train: make(map[string][]string),
		Val:   make(map[string][]string),
	}
	valImages := ImageDir(dst, iface.SplitVal)
	valLabels := LabelDir(dst, iface.SplitVal)
	for _, key := range cats.Tokens() {
		pool := groups[key]
		if len(pool) == 0 {
			continue
		}
		k := ValCount(len(pool), valFraction)
		picked := make(map[int]bool, k)
		for _, idx := range rng.Perm(len(pool))[:k] {
			picked[idx] = true
		}
		for i, name := range pool {
			if !picked[i] {
				res.Train[key] = append(res.Train[key], Stem(name))
				continue
			}
			if err := MoveFile(filepath.Join(dstImages, name), filepath.Join(valImages, name)); err != nil {
				return nil, err
			}
			lbl := label.Path(dstLabels, Stem(name))
			ok, err := exists(lbl)
			if err != nil {
				return nil, err
			}
			if ok {
				if err := MoveFile(lbl, filepath.Join(valLabels, filepath.Base(lbl))); err != nil {
					return nil, err
				}
			}
			res.Val[key] = append(res.Val[key], Stem(name))
		}
		log.Info("sampled validation split",
			zap.String("category", key),
			zap.Int("total", len(pool)),
			zap.Int("val", k))
	}
	return res, nil
}
