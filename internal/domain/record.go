package domain

import (
	"time"
)

// TransactionRecord is one log row: the outcome for a single active agent in a single tick.
type TransactionRecord struct {
	RunID      string    `json:"runId,omitempty"`
	GlobalTime time.Time `json:"globalTime"`
	LocalTime  time.Time `json:"localTime"`
	AgentID    int64     `json:"agentId"`
	CardID     int64     `json:"cardId"`
	MerchantID string    `json:"merchantId"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Country    string    `json:"country"`
	Fraud      bool      `json:"fraud"`
	AuthSteps  int       `json:"authSteps"`
	Cancelled  bool      `json:"cancelled"`
	Authorized bool      `json:"authorized"`
}

// Class returns the class label of the record.
func (r *TransactionRecord) Class() Class {
	if r.Fraud {
		return ClassFraud
	}
	return ClassGenuine
}

// TickSummary is the model-level log row written once per tick.
type TickSummary struct {
	RunID            string        `json:"runId,omitempty"`
	Tick             int64         `json:"tick"`
	GlobalTime       time.Time     `json:"globalTime"`
	Customers        int           `json:"customers"`
	Fraudsters       int           `json:"fraudsters"`
	Transactions     int           `json:"transactions"`
	MeanSatisfaction float64       `json:"meanSatisfaction"`
	Departed         PerClass[int] `json:"departed"`
	Arrived          PerClass[int] `json:"arrived"`
}
