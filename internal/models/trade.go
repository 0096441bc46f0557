package models

import "gorm.io/gorm"

// Trade action kinds recorded in the journal.
const (
	ActionOpen         = "OPEN"
	ActionPartialClose = "PARTIAL_CLOSE"
	ActionReversal     = "REVERSAL_CLOSE"
)

// Trade is one journaled order action. The journal is an audit trail of what
// the bot asked the terminal to do; the broker's order cache stays the
// authority on what actually happened.
type Trade struct {
	gorm.Model
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"` // OPEN, PARTIAL_CLOSE, REVERSAL_CLOSE
	Side       string  `json:"side"`   // "buy" or "sell"
	Lots       float64 `json:"lots"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Ticket     int64   `json:"ticket,omitempty"` // broker ticket, 0 for new opens
	CommandID  int     `json:"command_id"`
	Confirmed  bool    `json:"confirmed"` // execution receipt seen before timeout
	Magic      int     `json:"magic"`
	Comment    string  `json:"comment,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}
