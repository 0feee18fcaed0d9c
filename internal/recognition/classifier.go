package recognition

import "time"

// Tier is the recency classification of a sighting.
type Tier string

const (
	TierRecent       Tier = "recent"
	TierStale        Tier = "stale"
	TierUnidentified Tier = "unidentified"
)

// Action is what the caller may persist for a classified sighting.
type Action string

const (
	// ActionNone means nothing needs to be written.
	ActionNone Action = "none"
	// ActionStageNew means the vector may be accepted as a new identity.
	ActionStageNew Action = "stage_new"
	// ActionStageSighting means the vector may be appended to the matched identity.
	ActionStageSighting Action = "stage_sighting"
)

// DefaultRecencyWindow is the default window within which a sighting is recent.
const DefaultRecencyWindow = 14 * 24 * time.Hour

// Classification pairs a tier with its persistence action.
type Classification struct {
	Tier   Tier
	Action Action
}

// Classifier assigns recency tiers. It never touches the store.
type Classifier struct {
	Window time.Duration
	Now    func() time.Time
}

// NewClassifier returns a classifier using the wall clock.
func NewClassifier(window time.Duration) Classifier {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return Classifier{Window: window, Now: time.Now}
}

// Classify maps a verdict to a tier. A sighting exactly Window old is still recent.
func (c Classifier) Classify(v Verdict) Classification {
	if !v.IsMatch() {
		return Classification{Tier: TierUnidentified, Action: ActionStageNew}
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if now().Sub(v.Match.LastSeen) <= c.Window {
		return Classification{Tier: TierRecent, Action: ActionNone}
	}
	return Classification{Tier: TierStale, Action: ActionStageSighting}
}
