// Package activity turns the difference between two snapshots into an audit
// trail of typed, human-readable events.
package activity

import "time"

// EventType names one kind of semantic change.
type EventType string

const (
	ClassAdded        EventType = "class_added"
	ClassUpdated      EventType = "class_updated"
	ClassRemoved      EventType = "class_removed"
	StudentAdded      EventType = "student_added"
	StudentRemoved    EventType = "student_removed"
	SubmissionAdded   EventType = "submission_added"
	SubmissionUpdated EventType = "submission_updated"
	BackupRestored    EventType = "backup_restore"
)

// Entry is one immutable audit record. ID and CreatedAt are assigned by the
// store on append.
type Entry struct {
	ID          int64          `json:"id"`
	EventType   EventType      `json:"eventType"`
	Message     string         `json:"message"`
	ActorRole   string         `json:"actorRole,omitempty"`
	ClassID     string         `json:"classId,omitempty"`
	StudentName string         `json:"studentName,omitempty"`
	EventDate   string         `json:"eventDate,omitempty"`
	DeviceType  string         `json:"deviceType,omitempty"`
	Browser     string         `json:"browser,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	IP          string         `json:"ip,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Stamp copies the request metadata onto every entry and merges extra into
// each entry's metadata bag.
func Stamp(entries []Entry, meta ClientMeta, extra map[string]any) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.DeviceType = string(meta.DeviceType)
		e.Browser = string(meta.Browser)
		e.UserAgent = meta.UserAgent
		e.IP = meta.IP
		if len(extra) > 0 || e.Metadata == nil {
			md := make(map[string]any, len(e.Metadata)+len(extra))
			for k, v := range e.Metadata {
				md[k] = v
			}
			for k, v := range extra {
				md[k] = v
			}
			e.Metadata = md
		}
		out[i] = e
	}
	return out
}
