package workflow

import (
	"skillforge/internal/domain"
	"skillforge/internal/eventbus"
)

// busSink adapts the event bus to ProgressSink so a PhaseStep can report
// progress without knowing about eventbus.Bus.
type busSink struct {
	bus   *eventbus.Bus
	jobID string
	mute  bool
}

func newSink(bus *eventbus.Bus, jobID string, audit bool) ProgressSink {
	return &busSink{bus: bus, jobID: jobID, mute: !audit}
}

func (s *busSink) Progress(percent int, message string) {
	if s.mute {
		return
	}
	s.bus.Emit(s.jobID, domain.EventProgress, map[string]interface{}{"percent": percent, "message": message})
}

func (s *busSink) Reasoning(message string) {
	if s.mute {
		return
	}
	s.bus.Emit(s.jobID, domain.EventReasoning, map[string]interface{}{"message": message})
}
