package events

import (
	"sync/atomic"
	"time"
)

// Category is one of the four event categories the upstream event
// interface defines.
type Category string

const (
	CategoryDownload Category = "download"
	CategoryUpload   Category = "upload"
	CategoryTransfer Category = "transfer"
	CategoryFolder   Category = "folder"
)

// Variant is one of the eight lifecycle variants a category's events may
// carry.
type Variant string

const (
	VariantCreated       Variant = "created"
	VariantProgress      Variant = "progress"
	VariantStatusChanged Variant = "status_changed"
	VariantCompleted     Variant = "completed"
	VariantFailed        Variant = "failed"
	VariantPaused        Variant = "paused"
	VariantResumed       Variant = "resumed"
	VariantDeleted       Variant = "deleted"
)

var nextEventID atomic.Int64

// NextEventID returns the next value of the monotonically increasing
// event-id sequence every transfer-core event carries.
func NextEventID() int64 { return nextEventID.Add(1) }

// CoreEvent is the upstream-facing event shape: a category, a variant, a
// monotonic id, and a timestamp, plus the fields relevant to the variant
// actually populated (progress fields for Progress, OldStatus/NewStatus
// for StatusChanged, Reason for Failed).
type CoreEvent struct {
	BaseEvent
	ID       int64
	Category Category
	Variant  Variant

	TaskID   string
	FolderID string

	Progress         float64
	TransferredBytes int64
	TotalBytes       int64
	SpeedBytesPerSec float64

	OldStatus string
	NewStatus string

	Reason string
}

// NewCoreEvent stamps a CoreEvent with the next event id and the current
// time and sets its EventType to a routing key composed from
// category+variant ("category:variant"), so EventBus.Subscribe can filter by
// (category, variant) via Type().
func NewCoreEvent(category Category, variant Variant) *CoreEvent {
	return &CoreEvent{
		BaseEvent: BaseEvent{
			EventType: EventType(string(category) + ":" + string(variant)),
			Time:      time.Now(),
		},
		ID:       NextEventID(),
		Category: category,
		Variant:  variant,
	}
}

// PublishCore is a convenience wrapper publishing a CoreEvent onto the bus.
func (eb *EventBus) PublishCore(ev *CoreEvent) {
	eb.Publish(ev)
}
