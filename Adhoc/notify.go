package Adhoc

import (
	"context"
	"fmt"
	"time"

	"YoloDataAug/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunReport is posted once per finished dataset job.
type RunReport struct {
	JobID    string         `json:"jobId"`
	Kind     string         `json:"kind"`
	Source   string         `json:"source"`
	Dest     string         `json:"dest"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Result   any            `json:"result,omitempty"`
	Summary  map[string]any `json:"summary,omitempty"`
}

// Notifier posts run reports to a webhook. A nil Notifier or one without a
// URL drops reports silently.
type Notifier struct {
	url    string
	client *resty.Client
	log    *zap.Logger
}

func NewNotifier(url string, timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = TimeOutSeconds * time.Second
	}
	return &Notifier{
		url:    url,
		client: resty.New().SetTimeout(timeout),
		log:    log,
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Report sends r. Reports built outside the job runner get a fresh job id.
func (n *Notifier) Report(ctx context.Context, r RunReport) error {
	if !n.Enabled() {
		return nil
	}
	if r.JobID == "" {
		r.JobID = uuid.NewString()
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(r).
		Post(n.url)
	if err != nil {
		logger.Or(n.log).Error("run report failed", zap.String("url", n.url), zap.String("job", r.JobID), zap.Error(err))
		return fmt.Errorf("report job %s: %w", r.JobID, err)
	}
	if resp.IsError() {
		logger.Or(n.log).Error("run report rejected", zap.String("url", n.url), zap.String("job", r.JobID), zap.String("status", resp.Status()))
		return fmt.Errorf("report job %s: %s", r.JobID, resp.Status())
	}
	logger.Or(n.log).Info("run reported", zap.String("job", r.JobID), zap.Bool("success", r.Success))
	return nil
}
