package gateway

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
)

// Instrumented observes the latency of every Send, labelled "ok" or with
// the failure's delivery kind.
type Instrumented struct {
	Next     Gateway
	Duration *prometheus.HistogramVec
}

func (g *Instrumented) Send(ctx context.Context, accountID int64, msg Message) (Result, error) {
	start := time.Now()
	res, err := g.Next.Send(ctx, accountID, msg)
	result := "ok"
	if err != nil {
		result = appErrors.Classify(err).String()
	}
	g.Duration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return res, err
}

var (
	_ Gateway = (*SMTP)(nil)
	_ Gateway = (*Mock)(nil)
	_ Gateway = (*Instrumented)(nil)
)
