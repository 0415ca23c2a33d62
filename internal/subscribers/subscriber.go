package subscribers

import (
	"context"

	"crabstack.local/projects/conversatrait/internal/events"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, events.Event) error
}
