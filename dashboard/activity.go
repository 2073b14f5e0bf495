package dashboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/autopilot/events"
)

const defaultFeedSize = 20

// ActivityFeed keeps a bounded, newest-first record of lifecycle events for
// the dashboard's recent-activity section.
type ActivityFeed struct {
	mu      sync.Mutex
	entries []ActivityEntry
	max     int

	unsubscribe []func()
}

// NewActivityFeed creates a feed holding up to max entries (0 for default).
func NewActivityFeed(max int) *ActivityFeed {
	if max <= 0 {
		max = defaultFeedSize
	}
	return &ActivityFeed{max: max}
}

// Attach subscribes the feed to task and approval lifecycle topics.
func (f *ActivityFeed) Attach(bus *events.Bus) {
	f.unsubscribe = append(f.unsubscribe,
		bus.On("task:*", f.recordTask),
		bus.On("approval:*", f.recordApproval),
	)
}

// Detach removes the feed's subscriptions.
func (f *ActivityFeed) Detach() {
	for _, off := range f.unsubscribe {
		off()
	}
	f.unsubscribe = nil
}

// Record appends an arbitrary entry.
func (f *ActivityFeed) Record(entry ActivityEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().Format("15:04:05")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append([]ActivityEntry{entry}, f.entries...)
	if len(f.entries) > f.max {
		f.entries = f.entries[:f.max]
	}
}

// Entries returns a copy of the feed, newest first.
func (f *ActivityFeed) Entries() []ActivityEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ActivityEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *ActivityFeed) recordTask(topic string, data map[string]any) {
	result := "pending"
	switch topic {
	case events.TopicTaskCompleted:
		result = "success"
	case events.TopicTaskFailed:
		result = "failure"
	}

	details := ""
	if errCode, ok := data["error"].(string); ok {
		details = errCode
	}

	f.Record(ActivityEntry{
		Source:  "loop",
		Action:  fmt.Sprintf("%s %v", topic, data["taskId"]),
		Result:  result,
		Details: details,
	})
}

func (f *ActivityFeed) recordApproval(topic string, data map[string]any) {
	result := "pending"
	if status, ok := data["status"].(string); ok {
		result = status
	}
	f.Record(ActivityEntry{
		Source: "approval",
		Action: fmt.Sprintf("%s %v", topic, data["id"]),
		Result: result,
	})
}
