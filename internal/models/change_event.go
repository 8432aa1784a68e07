package models

// Change feed event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ChangeEvent is a single record change pushed by the server.
type ChangeEvent struct {
	EventType string      `json:"eventType"`
	New       *RemoteTask `json:"new"`
	Old       *RemoteTask `json:"old"`
}

// AffectedID is the id the event refers to, preferring the new image.
func (e ChangeEvent) AffectedID() string {
	if e.New != nil && e.New.ID != "" {
		return string(e.New.ID)
	}
	if e.Old != nil {
		return string(e.Old.ID)
	}
	return ""
}
