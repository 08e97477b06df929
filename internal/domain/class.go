// Package domain defines the core interfaces and types for cardsim.
package domain

// Class tags an agent (and every record it produces) as genuine or fraudulent.
type Class int

const (
	ClassGenuine Class = 0
	ClassFraud   Class = 1
)

// Classes lists every agent class in index order.
var Classes = [...]Class{ClassGenuine, ClassFraud}

func (c Class) String() string {
	if c == ClassFraud {
		return "fraud"
	}
	return "genuine"
}

// PerClass holds one value per agent class.
type PerClass[T any] struct {
	Genuine T `json:"genuine" yaml:"genuine"`
	Fraud   T `json:"fraud" yaml:"fraud"`
}

// For returns the value for class c.
func (p PerClass[T]) For(c Class) T {
	if c == ClassFraud {
		return p.Fraud
	}
	return p.Genuine
}

// Set stores v for class c.
func (p *PerClass[T]) Set(c Class, v T) {
	if c == ClassFraud {
		p.Fraud = v
		return
	}
	p.Genuine = v
}
