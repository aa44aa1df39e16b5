package store

import "time"

type Status string

const (
	StatusPrivate         Status = "private"
	StatusPendingApproval Status = "pending_approval"
	StatusOfficial        Status = "official"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPrivate, StatusPendingApproval, StatusOfficial:
		return true
	default:
		return false
	}
}

type HistoryAction string

const (
	HistoryRequested HistoryAction = "requested"
	HistoryApproved  HistoryAction = "approved"
	HistoryRejected  HistoryAction = "rejected"
)

type Document struct {
	ID           string
	ProjectID    string
	WorkflowStep int
	Title        string
	Content      string
	Status       Status
	Version      int
	CreatedBy    string
	ApprovedBy   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ApprovedAt   *time.Time
}

// DocumentVersion archives the document content that was current immediately
// before an edit, tagged with the pre-increment version number.
type DocumentVersion struct {
	DocumentID string
	Version    int
	Title      string
	Content    string
	EditedBy   string
	CreatedAt  time.Time
}

type ApprovalHistoryEntry struct {
	ID         int64
	DocumentID string
	ActorID    string
	ActorName  string
	Action     HistoryAction
	FromStatus Status
	ToStatus   Status
	Reason     string
	CreatedAt  time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}
