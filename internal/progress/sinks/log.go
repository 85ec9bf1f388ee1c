package sinks

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

// LogSink writes every event to a zap logger. Fetch events go to debug,
// failures to warn, and everything else to info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging under the "progress" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level, fields := describe(evt)
		s.logger.Log(level, string(evt.Stage), fields...)
	}
	return nil
}

func describe(evt progress.Event) (zapcore.Level, []zap.Field) {
	level := zap.InfoLevel
	fields := []zap.Field{zap.Stringer("run_id", evt.RunUUID())}
	switch evt.Stage {
	case progress.StageSourceDone:
		if evt.Failed {
			level = zap.WarnLevel
		}
		fields = append(fields,
			zap.String("source", evt.Source),
			zap.Int("items", evt.Items),
			zap.Bool("failed", evt.Failed),
			zap.String("done", progressFraction(evt.Current, evt.Total)),
		)
	case progress.StageItemFound:
		if evt.Update != nil {
			fields = append(fields,
				zap.String("source", evt.Source),
				zap.String("item_id", evt.Update.Item.ExternalID),
				zap.String("title", evt.Update.Item.Title),
			)
		}
	case progress.StageFetchDone:
		level = zap.DebugLevel
		fields = append(fields,
			zap.String("site", evt.Site),
			zap.String("class", string(evt.StatusClass)),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("elapsed", evt.Dur),
		)
	case progress.StageCheckError:
		level = zap.WarnLevel
	default:
		fields = append(fields, zap.Int("total", evt.Total), zap.Duration("elapsed", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return level, fields
}

func progressFraction(current, total int) string {
	return strconv.Itoa(current) + "/" + strconv.Itoa(total)
}

// Close implements progress.Sink. The logger belongs to the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}
