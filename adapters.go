package localfirst

import (
	"time"

	"github.com/raniellyferreira/localfirst-replica/replication"
)

// loggerAdapter adapts our Logger interface to the key/value loggers of the
// backend, frontend and replication packages
type loggerAdapter struct {
	logger Logger
	fields []Field
}

func (la *loggerAdapter) Debug(msg string, fields ...interface{}) {
	la.logger.Debug(msg, la.convert(fields)...)
}

func (la *loggerAdapter) Info(msg string, fields ...interface{}) {
	la.logger.Info(msg, la.convert(fields)...)
}

func (la *loggerAdapter) Error(msg string, fields ...interface{}) {
	la.logger.Error(msg, la.convert(fields)...)
}

func (la *loggerAdapter) convert(fields []interface{}) []Field {
	result := make([]Field, 0, len(la.fields)+len(fields)/2)
	result = append(result, la.fields...)
	return append(result, convertFields(fields...)...)
}

// KeyValueLogger is the logger shape the subpackages take
type KeyValueLogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Adapt returns logger in the key/value form taken by the httpapi and
// events packages. Every record carries fields.
func Adapt(logger Logger, fields ...Field) KeyValueLogger {
	if logger == nil {
		logger = NopLogger()
	}
	return &loggerAdapter{logger: logger, fields: fields}
}

func convertFields(fields ...interface{}) []Field {
	result := make([]Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			result = append(result, Field{
				Key:   key,
				Value: fields[i+1],
			})
		}
	}
	return result
}

// metricsAdapter adapts our MetricsCollector to replication.MetricsCollector
type metricsAdapter struct {
	metrics MetricsCollector
}

func (ma *metricsAdapter) RecordRequestProcessed(side string, duration time.Duration) {
	ma.metrics.RecordRequestProcessed(side, duration)
}

func (ma *metricsAdapter) RecordRejection(side string) {
	ma.metrics.RecordRejection(side)
}

func (ma *metricsAdapter) RecordDeliveryFailure() {
	ma.metrics.RecordDeliveryFailure()
}

func (ma *metricsAdapter) RecordQueueDepth(side string, depth int) {
	ma.metrics.RecordQueueDepth(side, depth)
}

func (ma *metricsAdapter) RecordError(errorType string) {
	ma.metrics.RecordError(errorType)
}

// observers fans loop events out to every registered observer
type observers []replication.Observer

func (o observers) OnApplied(e replication.Event) {
	for _, obs := range o {
		obs.OnApplied(e)
	}
}
