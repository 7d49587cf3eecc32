package orchestrator

import "time"

// EventType names a point in the research state machine an Emitter reports.
type EventType string

const (
	EventSearchStarted    EventType = "search_started"
	EventCandidateChecking EventType = "candidate_checking"
	EventCandidateAccepted EventType = "candidate_accepted"
	EventCandidateRejected EventType = "candidate_rejected"
	EventProgress          EventType = "progress"
	EventPhaseStarted      EventType = "phase_started"
	EventPhaseComplete     EventType = "phase_complete"
	EventResearchComplete  EventType = "research_complete"
)

// Event is one ordered, typed occurrence during a research run. Detail is a
// short human-readable string; Data carries whatever structured payload the
// event type implies (a query, a URL, a product title) for a listener that
// wants more than the log line.
type Event struct {
	Type      EventType
	Detail    string
	Data      map[string]any
	Timestamp time.Time
}

// Emitter is an opportunistic, best-effort event sink: a missing or slow
// listener never blocks or fails the research run. Events are dropped
// rather than buffered without bound.
type Emitter struct {
	sink chan<- Event
}

// NewEmitter wraps sink. sink may be nil, in which case every Emit is a
// silent no-op (the default when nobody is listening for progress).
func NewEmitter(sink chan<- Event) *Emitter {
	return &Emitter{sink: sink}
}

func (e *Emitter) emit(evt Event) {
	if e == nil || e.sink == nil {
		return
	}
	evt.Timestamp = nowFunc()
	select {
	case e.sink <- evt:
	default:
	}
}

func (e *Emitter) Phase(title string) {
	e.emit(Event{Type: EventPhaseStarted, Detail: title})
}

func (e *Emitter) PhaseDone(title string) {
	e.emit(Event{Type: EventPhaseComplete, Detail: title})
}

func (e *Emitter) SearchStarted(query string) {
	e.emit(Event{Type: EventSearchStarted, Detail: query, Data: map[string]any{"query": query}})
}

func (e *Emitter) CandidateChecking(title, url string) {
	e.emit(Event{Type: EventCandidateChecking, Detail: title, Data: map[string]any{"url": url}})
}

func (e *Emitter) CandidateAccepted(title string, price float64) {
	e.emit(Event{Type: EventCandidateAccepted, Detail: title, Data: map[string]any{"price": price}})
}

func (e *Emitter) CandidateRejected(title, reason string) {
	e.emit(Event{Type: EventCandidateRejected, Detail: title, Data: map[string]any{"reason": reason}})
}

func (e *Emitter) Progress(detail string) {
	e.emit(Event{Type: EventProgress, Detail: detail})
}

func (e *Emitter) ResearchComplete(detail string) {
	e.emit(Event{Type: EventResearchComplete, Detail: detail})
}

// nowFunc is a var so tests can pin it; production always uses time.Now.
var nowFunc = time.Now
