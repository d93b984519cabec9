package orders

import "time"

// OriginTag is the persisted status tag of an order.
type OriginTag string

const (
	TagNormal      OriginTag = "normal"
	TagRecovered   OriginTag = "recovered"
	TagPlaceholder OriginTag = "placeholder"
)

// Origin records how an order came to exist. It is one of Normal, Recovered
// or Placeholder.
type Origin interface {
	Tag() OriginTag
	isOrigin()
}

// Normal orders were created from a validated order payload.
type Normal struct{}

// Recovered orders were rebuilt from in-flight conversation context after the
// original record was lost.
type Recovered struct {
	RecoveredAt time.Time
	Source      string
}

// Placeholder orders were synthesized so a promised order number resolves.
// DefaultItems is set when no cart survived and the default line was used.
type Placeholder struct {
	SynthesizedAt time.Time
	DefaultItems  bool
}

func (Normal) Tag() OriginTag      { return TagNormal }
func (Recovered) Tag() OriginTag   { return TagRecovered }
func (Placeholder) Tag() OriginTag { return TagPlaceholder }

func (Normal) isOrigin()      {}
func (Recovered) isOrigin()   {}
func (Placeholder) isOrigin() {}

type originJSON struct {
	Tag          OriginTag  `json:"tag"`
	At           *time.Time `json:"at,omitempty"`
	Source       string     `json:"source,omitempty"`
	DefaultItems bool       `json:"defaultItems,omitempty"`
}

func encodeOrigin(o Origin) originJSON {
	switch v := o.(type) {
	case Recovered:
		at := v.RecoveredAt
		return originJSON{Tag: TagRecovered, At: &at, Source: v.Source}
	case Placeholder:
		at := v.SynthesizedAt
		return originJSON{Tag: TagPlaceholder, At: &at, DefaultItems: v.DefaultItems}
	default:
		return originJSON{Tag: TagNormal}
	}
}

func (j originJSON) decode() Origin {
	var at time.Time
	if j.At != nil {
		at = *j.At
	}
	switch j.Tag {
	case TagRecovered:
		return Recovered{RecoveredAt: at, Source: j.Source}
	case TagPlaceholder:
		return Placeholder{SynthesizedAt: at, DefaultItems: j.DefaultItems}
	default:
		return Normal{}
	}
}
