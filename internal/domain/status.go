package domain

// Status is the lifecycle state of a Request, persisted as a small integer.
//
// Allowed transitions:
//
//	Created   → Processed (scheduler claim, or immediate intake)
//	Created   → Stopped   (topic stop)
//	Processed → Sent      (provider accepted)
//	Processed → Failed    (provider rejected)
//	Processed → Created   (rollback when dispatch could not run)
type Status int

const (
	StatusCreated Status = iota
	StatusProcessed
	StatusSent
	StatusFailed
	StatusStopped
)

var statusNames = [...]string{
	StatusCreated:   "Created",
	StatusProcessed: "Processed",
	StatusSent:      "Sent",
	StatusFailed:    "Failed",
	StatusStopped:   "Stopped",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// StatusFromInt converts a stored integer into a Status.
func StatusFromInt(v int) (Status, bool) {
	if v < 0 || v >= len(statusNames) {
		return 0, false
	}
	return Status(v), true
}

// StatusName returns the display name for a raw stored status value.
// Out-of-range values surface as "Unknown" in aggregations.
func StatusName(v int) string {
	s, ok := StatusFromInt(v)
	if !ok {
		return "Unknown"
	}
	return s.String()
}
