package supervise

// Journaler describes an event logger. Implementations live in package
// journal.
type Journaler interface {
	Write(Event) error
}

// discardJournaler drops every event.
type discardJournaler struct{}

func (discardJournaler) Write(Event) error { return nil }

// Discard is a Journaler that drops every event.
var Discard Journaler = discardJournaler{}
