package executor

import (
	"github.com/redis/go-redis/v9"

	"github.com/teranos/pulsed/am"
)

// NewDefaultResolver registers the http, sink and in-process executors
// configured by cfg. The in-process executor is returned so callers can
// register handlers on it. rdb may be nil.
func NewDefaultResolver(cfg am.ExecutorConfig, rdb redis.UniversalClient) (*Resolver, *InProcessExecutor) {
	inProcess := NewInProcessExecutor(cfg.DefaultTimeout, cfg.InProcess.MaxTimeout)
	resolver := NewResolver(
		NewHTTPExecutor(NewClient(cfg.HTTP.BlockPrivateIP), cfg.DefaultTimeout, cfg.HTTP.MaxTimeout),
		NewSinkExecutor(NewClient(cfg.Sink.BlockPrivateIP), rdb, cfg.DefaultTimeout, cfg.Sink.MaxTimeout),
		inProcess,
	)
	return resolver, inProcess
}
