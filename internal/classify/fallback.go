package classify

import (
	"context"

	logx "sitewatch/pkg/logx"
)

// Fallback tries the primary analyzer and absorbs every failure by answering
// with the local heuristic instead. Callers always get an Analysis.
type Fallback struct {
	primary Analyzer
	local   Heuristic
	log     logx.Logger
}

// NewFallback wraps primary; a nil primary means local-only operation (no
// enrichment credentials configured).
func NewFallback(primary Analyzer, log logx.Logger) *Fallback {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fallback{primary: primary, local: NewHeuristic(), log: log}
}

func (f *Fallback) Analyze(ctx context.Context, in Input) (Analysis, error) {
	if f.primary != nil {
		a, err := f.primary.Analyze(ctx, in)
		if err == nil {
			return a, nil
		}
		f.log.Debug("enrichment failed, using local heuristic",
			logx.String("site", in.SiteName),
			logx.Err(err))
	}
	return f.local.Analyze(ctx, in)
}
