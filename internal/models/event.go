package models

// StatusEvent is broadcast whenever a resource changes status.
type StatusEvent struct {
	ResourceID    string `json:"resourceId"`
	UserID        string `json:"userId"`
	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}
