package metrics

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultRefreshSpec refreshes the gauges every 10 seconds
const DefaultRefreshSpec = "@every 10s"

// StartGaugeRefresh runs exporter.Update on the cron spec until the returned
// scheduler is stopped. Failed refreshes are logged and retried on the next tick.
func StartGaugeRefresh(ctx context.Context, exporter *PrometheusExporter, spec string, logger logrus.FieldLogger) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultRefreshSpec
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := exporter.Update(ctx); err != nil {
			logger.WithError(err).Warn("failed to refresh metric gauges")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid gauge refresh schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
