package jobs

import (
	"math/rand"

	"YoloDataAug/dataset"
	"YoloDataAug/engine"
	"YoloDataAug/logger"
	"YoloDataAug/monitor"

	"go.uber.org/zap"
)

// DatasetExecutor runs requests against the local filesystem.
type DatasetExecutor struct {
	Categories   *dataset.Categories
	Stages       []engine.StageConfig
	StrictLabels bool
	CopyValTest  bool
	Rand         *rand.Rand
	Logger       *zap.Logger
}

func (e *DatasetExecutor) Execute(req Request) (Outcome, error) {
	log := logger.Or(e.Logger)
	cats := e.Categories
	if cats == nil {
		cats = dataset.DefaultCategories()
	}

	switch req.Kind {
	case KindPartition:
		p := dataset.NewPartitioner(cats, e.Rand, log)
		res, err := p.Partition(req.Source, req.Dest, req.ValFraction)
		if err != nil {
			return Outcome{}, err
		}
		for _, ids := range res.Val {
			monitor.ValImages.Add(float64(len(ids)))
		}
		return Outcome{Result: res, Summaries: e.summaries(cats, req.Source, req.Dest)}, nil

	case KindAugment:
		p, err := engine.NewPipeline(e.Stages, e.StrictLabels, e.CopyValTest, e.Rand, log)
		if err != nil {
			return Outcome{}, err
		}
		res, err := p.Run(req.Source, req.Dest)
		if err != nil {
			return Outcome{Result: res}, err
		}
		return Outcome{Result: res, Summaries: e.summaries(cats, req.Source, req.Dest)}, nil

	case KindRename:
		renames, err := dataset.AssignSerialNames(req.Source, req.Split, cats, log)
		if err != nil {
			return Outcome{Result: renames}, err
		}
		return Outcome{Result: renames, Summaries: e.summaries(cats, req.Source)}, nil
	}
	// normalize rejects anything else before it reaches the queue
	panic("unreachable job kind " + string(req.Kind))
}

// summaries reports on each root; a root that cannot be read is logged and
// left out.
func (e *DatasetExecutor) summaries(cats *dataset.Categories, roots ...string) []dataset.Summary {
	out := make([]dataset.Summary, 0, len(roots))
	for _, root := range roots {
		s, err := dataset.Summarize(root, cats)
		if err != nil {
			logger.Or(e.Logger).Warn("summary failed", zap.String("root", root), zap.Error(err))
			continue
		}
		for _, line := range s.Lines() {
			logger.Or(e.Logger).Info(line, zap.String("root", root))
		}
		out = append(out, s)
	}
	return out
}
