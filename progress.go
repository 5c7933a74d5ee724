package regmig

import "github.com/chainforge/regmig/utils"

// Progress is the write-only status sink of a migration run: one line per
// phase transition, one when the run settles. Implementations must not
// block.
type Progress interface {
	Step(text string)
	Done(text string)
}

// LogProgress reports steps through a logger. The zero value is unusable;
// use NewLogProgress.
type LogProgress struct {
	log utils.Logger
}

func NewLogProgress(log utils.Logger) *LogProgress {
	return &LogProgress{log: log}
}

func (p *LogProgress) Step(text string) { p.log.Info(text) }
func (p *LogProgress) Done(text string) { p.log.Info(text, "done", true) }

// NopProgress discards all reports.
type NopProgress struct{}

func (NopProgress) Step(string) {}
func (NopProgress) Done(string) {}
