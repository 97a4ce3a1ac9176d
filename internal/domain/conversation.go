package domain

import "fmt"

// Conversation is the unordered pair of participants; Low is always the smaller id.
type Conversation struct {
	Low  UserID
	High UserID
}

func NewConversation(a, b UserID) Conversation {
	if a > b {
		a, b = b, a
	}

	return Conversation{Low: a, High: b}
}

func (c Conversation) Key() string {
	return fmt.Sprintf("%d:%d", c.Low, c.High)
}

func (c Conversation) Has(id UserID) bool {
	return c.Low == id || c.High == id
}

// Peer returns the other participant as seen from id.
func (c Conversation) Peer(id UserID) UserID {
	if c.Low == id {
		return c.High
	}

	return c.Low
}
