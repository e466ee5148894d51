package stats

import (
	"encoding/json"
	"time"
)

// Line is the JSON stats line emitted every Adaptive Controller cycle
// (spec.md §4.8): the canonical, human-grep-able record of crawl health.
type Line struct {
	TimeEscape        float64        `json:"time_escape"`
	Speed             float64        `json:"speed"`
	TodoQueueSize     int64          `json:"todo_queue_size"`
	CurThreads        float64        `json:"cur_threads"`
	BadProxies        int64          `json:"bad_proxies"`
	ProxiesQueueSize  int64          `json:"proxies_queue_size"`
	Working           int64          `json:"working"`
	ActiveWorkerBudget float64       `json:"-"`
	Counters          Counters       `json:"-"`
	Monitor           map[string]any `json:"monitor,omitempty"`
}

// Marshal renders the line as a single JSON object, flattening Monitor's
// keys would require reflection the user's fields don't guarantee; kept
// nested under "monitor" instead for a stable schema.
func (l Line) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// Build assembles a Line from the current crawl state. startedAt is the
// task's start time, used for time_escape.
func Build(startedAt time.Time, speed float64, todoSize, badProxies, proxiesQueueSize, working int64, curThreads, activeBudget float64, counters Counters, monitor map[string]any) Line {
	return Line{
		TimeEscape:         time.Since(startedAt).Seconds(),
		Speed:              speed,
		TodoQueueSize:      todoSize,
		CurThreads:         curThreads,
		BadProxies:         badProxies,
		ProxiesQueueSize:   proxiesQueueSize,
		Working:            working,
		ActiveWorkerBudget: activeBudget,
		Counters:           counters,
		Monitor:            monitor,
	}
}
