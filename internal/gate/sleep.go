package gate

import (
	"log/slog"

	"personad/internal/models"
)

// SleepMachine tracks consecutive refusals per persona and flips the
// Awake/Asleep state. Callers hold the persona's turn serializer, so state
// access needs no extra locking here.
type SleepMachine struct {
	log *slog.Logger
}

func NewSleepMachine(log *slog.Logger) *SleepMachine {
	return &SleepMachine{log: log.With("component", "sleep")}
}

// RecordRefusal counts one refusal: a gate suppression or a completed turn
// with no visible text. Returns true when the persona just fell asleep.
// System errors are not refusals and must not be recorded here.
func (m *SleepMachine) RecordRefusal(p *models.Persona) bool {
	if !p.Settings.SleepModeEnabled || p.Sleep == models.SleepAsleep {
		return false
	}
	p.RefusalStreak++
	if p.RefusalStreak >= p.Settings.EffectiveSleepThreshold() {
		p.Sleep = models.SleepAsleep
		m.log.Info("persona fell asleep",
			"persona", p.Key().String(),
			"refusals", p.RefusalStreak)
		return true
	}
	return false
}

// RecordReply resets the streak after a delivered reply.
func (m *SleepMachine) RecordReply(p *models.Persona) {
	p.RefusalStreak = 0
}

// Wake returns the persona to Awake and clears the streak. Used for the
// mention wake trigger and the admin reset.
func (m *SleepMachine) Wake(p *models.Persona) {
	if p.Sleep == models.SleepAsleep {
		m.log.Info("persona woke up", "persona", p.Key().String())
	}
	p.Sleep = models.SleepAwake
	p.RefusalStreak = 0
}
