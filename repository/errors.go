package repository

import (
	"fmt"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// IllegalTransitionError reports a sync-event status move that violates the
// pending -> processing -> (completed|failed) progression.
type IllegalTransitionError struct {
	From model.SyncStatus
	To   model.SyncStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal sync event status transition %s -> %s", e.From, e.To)
}
