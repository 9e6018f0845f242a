package apperrors

import "fmt"

// ErrCampaignNotFound is a sentinel error for missing campaigns.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ValidationError rejects a request synchronously; nothing is created or mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ResolutionError means the recipient source could not be materialized.
// It is the only error class that fails a whole campaign.
type ResolutionError struct {
	CampaignID int
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("campaign %d: recipient resolution failed: %v", e.CampaignID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func NewResolution(campaignID int, err error) error {
	return &ResolutionError{CampaignID: campaignID, Err: err}
}

// ConcurrencyError rejects an operator action that races another transition,
// e.g. starting a campaign that is already running or mutating a terminal one.
type ConcurrencyError struct {
	CampaignID int
	Action     string
	Status     string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("cannot %s campaign %d in status %q", e.Action, e.CampaignID, e.Status)
}

func NewConcurrency(campaignID int, action, status string) error {
	return &ConcurrencyError{CampaignID: campaignID, Action: action, Status: status}
}
