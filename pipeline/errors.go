package pipeline

import (
	"fmt"

	"github.com/hazyhaar/inboxd/inbox"
)

// ErrItemNotFound is returned when an entry point targets an item id that
// does not exist in the store.
type ErrItemNotFound struct {
	ID string
}

func (e *ErrItemNotFound) Error() string {
	return fmt.Sprintf("pipeline: item not found: %s", e.ID)
}

// ErrNotCancellable is returned by Cancel when the item's routing status is
// already terminal. Only pending and processing runs can be cancelled.
type ErrNotCancellable struct {
	ID            string
	RoutingStatus inbox.RoutingStatus
}

func (e *ErrNotCancellable) Error() string {
	return fmt.Sprintf("pipeline: item %s routing status %q cannot be cancelled", e.ID, e.RoutingStatus)
}
