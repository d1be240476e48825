package pipeline

import (
	"github.com/kestrel-im/go-kestrel/config"
	"go.uber.org/zap"
)

// logReporter is the default Reporter, writing structured telemetry to the
// shared log.
type logReporter struct {
	log *zap.SugaredLogger
}

func NewLogReporter(c *config.Config) Reporter {
	return &logReporter{log: c.Logger("telemetry")}
}

func (r *logReporter) ReportError(action string, fields map[string]string) {
	args := make([]interface{}, 0, len(fields)*2+2)
	args = append(args, "action", action)
	for k, v := range fields {
		args = append(args, k, v)
	}
	r.log.Warnw("pipeline error", args...)
}
