package scheduler

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	logx "jobd/pkg/logx"
)

const tickWarnInterval = 5 * time.Second

func (r *Registry) reportTickError(jobID int64, name string, err error) {
	for _, q := range r.quiet {
		if errors.Is(err, q) {
			r.log.Debug("schedule tick skipped", logx.Int64("job", jobID), logx.String("name", name), logx.Err(err))
			return
		}
	}

	r.repMu.Lock()
	lim, ok := r.limiters[jobID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(tickWarnInterval), 1)
		r.limiters[jobID] = lim
	}
	r.repMu.Unlock()
	if !lim.Allow() {
		return
	}
	r.log.Warn("schedule tick failed", logx.Int64("job", jobID), logx.String("name", name), logx.Err(err))
}

// cronLogger adapts logx to cron.Logger so panics recovered by the cron
// chain end up in the service log.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
