// v0
// internal/analytics/hysteresis.go
package analytics

// ruleState is a sustained-threshold state machine for one alert rule.
// Escalating needs sustain consecutive ticks at the new level, clearing
// or downgrading needs clear ticks. Critical escalates at once.
type ruleState struct {
	current        Level
	candidate      Level
	candidateTicks int
	last           Alert
}

func (s *ruleState) update(level Level, sustain, clear int) Level {
	if level == LevelCritical {
		s.current, s.candidate, s.candidateTicks = LevelCritical, LevelCritical, 0
		return s.current
	}
	if level == s.candidate {
		s.candidateTicks++
	} else {
		s.candidate = level
		s.candidateTicks = 1
	}
	required := sustain
	if s.candidate < s.current {
		required = clear
	}
	if s.candidate != s.current && s.candidateTicks >= required {
		s.current = s.candidate
	}
	return s.current
}

// Tracker holds the hysteresis state of every rule. It is not safe for
// concurrent use; the analytics loop is its only caller.
type Tracker struct {
	sustain int
	clear   int
	rules   map[string]*ruleState
}

// NewTracker returns a tracker. Tick counts below 1 mean immediate.
func NewTracker(sustain, clear int) *Tracker {
	if sustain < 1 {
		sustain = 1
	}
	if clear < 1 {
		clear = 1
	}
	return &Tracker{sustain: sustain, clear: clear, rules: map[string]*ruleState{}}
}

// Apply folds one cycle of raw rule output into the held alerts. It also
// returns the alerts that became critical this cycle.
func (t *Tracker) Apply(raw map[string]Alert) (held, escalated []Alert) {
	for _, id := range ruleOrder {
		st, ok := t.rules[id]
		if !ok {
			st = &ruleState{}
			t.rules[id] = st
		}
		a, fired := raw[id]
		level := LevelNone
		if fired {
			level = a.Level
		}
		before := st.current
		now := st.update(level, t.sustain, t.clear)
		if fired && level == now {
			st.last = a
		}
		if now == LevelNone {
			st.last = Alert{}
			continue
		}
		held = append(held, st.last)
		if now == LevelCritical && before != LevelCritical {
			escalated = append(escalated, st.last)
		}
	}
	return held, escalated
}
