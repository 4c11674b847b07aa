package intent

import "context"

type Intent string

const (
	Book              Intent = "book"
	Reschedule        Intent = "reschedule"
	Cancel            Intent = "cancel"
	QueryAvailability Intent = "query_availability"
	Other             Intent = "other"
)

func Parse(s string) Intent {
	switch Intent(s) {
	case Book, Reschedule, Cancel, QueryAvailability:
		return Intent(s)
	}
	return Other
}

// Entities are the slot values found in one caller utterance. Empty strings
// mean not mentioned.
type Entities struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	Service string `json:"service,omitempty"`
	Urgency string `json:"urgency,omitempty"`

	HasDateTime bool `json:"has_datetime,omitempty"`
	HasRange    bool `json:"has_range,omitempty"`
	Vague       bool `json:"vague,omitempty"`
	Question    bool `json:"question,omitempty"`
}

type Classification struct {
	Intent     Intent
	Entities   Entities
	Confidence float64
}

// Hint tells the classifier what the dialogue just asked for, so bare
// answers like "John Smith" can be read as the expected slot.
type Hint struct {
	Expecting string
	Current   Intent
}

type Classifier interface {
	Classify(ctx context.Context, text string, hint Hint) (Classification, error)
}
