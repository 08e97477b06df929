package domain

import (
	"time"
)

// Payer is the view of a transacting agent exposed to an Authenticator.
// GiveAuthentication is the only call that mutates the agent: it records one
// extra authentication step and returns the quality of the supplied factor,
// or ok=false when the agent cancels instead.
type Payer interface {
	Class() Class
	Amount() float64
	Currency() string
	Country() string
	MerchantID() string
	LocalTime() time.Time
	GiveAuthentication() (quality float64, ok bool)
}

// Authenticator decides, per transaction, whether to ask for a second factor
// and whether the transaction is authorized.
type Authenticator interface {
	Name() string
	Authorize(p Payer) bool
}

// Outcome is the settled result of one authorization round-trip.
type Outcome struct {
	Class      Class
	Amount     float64
	AuthSteps  int
	Authorized bool
	Cancelled  bool
}

// FeedbackReceiver is implemented by authenticators that learn from settled outcomes.
type FeedbackReceiver interface {
	Feedback(o Outcome)
}
