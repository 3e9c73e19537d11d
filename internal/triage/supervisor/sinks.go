package supervisor

import (
	"github.com/danshapiro/prtriage/internal/triage/sink"
)

// NewSink builds the configured sinks. With nothing configured it returns
// sink.Nop and the run stays local-only.
func NewSink(cfg *Config) (sink.Sink, error) {
	var out sink.Multi
	if cfg.Sink.DashboardURL != "" {
		out = append(out, sink.NewHTTPSink(cfg.Sink.DashboardURL, cfg.SinkTimeout()))
	}
	if cfg.Sink.Redis.URL != "" {
		rs, err := sink.NewRedisSink(cfg.Sink.Redis.URL, cfg.Sink.Redis.Stream, cfg.Sink.Redis.MaxLen)
		if err != nil {
			_ = out.Close()
			return nil, configErrorf("sink.redis: %v", err)
		}
		out = append(out, rs)
	}
	switch len(out) {
	case 0:
		return sink.Nop{}, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}
