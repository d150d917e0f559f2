package client

import (
	"github.com/jonasrothfuss/ml-logger/api"
)

// stepBuffer coalesces same-step field writes before they leave the
// process. It is owned by exactly one Client and mutated only under
// the Client's lock.
type stepBuffer struct {
	step    uint64
	hasStep bool
	fields  api.Fields
}

// log merges fields into the buffer for step. If step differs from the
// buffered one and the buffer is non-empty, the superseded entry is
// returned for enqueueing before the new fields are recorded.
func (b *stepBuffer) log(step uint64, fields api.Fields) (flushed api.Fields, flushedStep uint64, needFlush bool) {
	if b.hasStep && b.step != step && len(b.fields) > 0 {
		flushed, flushedStep, needFlush = b.fields, b.step, true
		b.fields = nil
	}
	b.step = step
	b.hasStep = true
	b.fields = api.Merge(b.fields, fields)
	return flushed, flushedStep, needFlush
}

// take empties the buffer and returns its contents for an explicit
// flush.
func (b *stepBuffer) take() (api.Fields, uint64, bool) {
	if len(b.fields) == 0 {
		return nil, 0, false
	}
	fields, step := b.fields, b.step
	b.fields = nil
	return fields, step, true
}
