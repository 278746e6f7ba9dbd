package orchestrator

import (
	"context"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/navigator"
)

type announcer struct {
	next navigator.Recorder
	pub  events.Publisher
}

// Announce wraps r so that every persisted transition is also published as
// an application.state event.
func Announce(r navigator.Recorder, pub events.Publisher) navigator.Recorder {
	if pub == nil {
		return r
	}
	return announcer{next: r, pub: pub}
}

func (a announcer) RecordOutcome(ctx context.Context, rec domain.ApplicationRecord) (domain.ApplicationRecord, error) {
	out, err := a.next.RecordOutcome(ctx, rec)
	if err != nil {
		return out, err
	}
	events.Emit(a.pub, events.TypeApplicationState, events.ApplicationChange{
		ID: out.ID, PostingID: out.PostingID, State: string(out.State), Reason: out.Reason(),
	})
	return out, nil
}
