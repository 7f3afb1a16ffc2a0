package backend

import "time"

// ChangeType classifies a Change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeDelete ChangeType = "delete"
	ChangeRoles  ChangeType = "roles"
	ChangeSpace  ChangeType = "space"
)

// Change describes a confirmed mutation, as published by the gateway to
// every connected client.
type Change struct {
	Type ChangeType `json:"type"`
	// Path is the storage path of the created or deleted node.
	Path string `json:"path,omitempty"`
	// Account is the acting account.
	Account   string `json:"account,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Stamp sets Timestamp to now if it is unset.
func (c Change) Stamp() Change {
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().Unix()
	}
	return c
}
