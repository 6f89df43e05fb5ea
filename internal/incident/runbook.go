package incident

import (
	"errors"
	"fmt"
)

// RunbookStep is one manual or semi-automated remediation step.
type RunbookStep struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// Runbook is a named step list, optionally bound to an incident type. The
// first runbook registered for a type is attached automatically to incidents
// created from alerts of that type.
type Runbook struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	IncidentType Type          `json:"incident_type,omitempty" yaml:"incident_type"`
	Steps        []RunbookStep `json:"steps" yaml:"steps"`
}

// Validate reports every problem with r.
func (r Runbook) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("runbook id is required"))
	}
	if len(r.Steps) == 0 {
		errs = append(errs, fmt.Errorf("runbook %q: at least one step is required", r.ID))
	}
	seen := make(map[string]bool, len(r.Steps))
	for i, s := range r.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("runbook %q: step %d: id is required", r.ID, i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("runbook %q: duplicate step %q", r.ID, s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

func (r Runbook) clone() Runbook {
	r.Steps = append([]RunbookStep(nil), r.Steps...)
	return r
}

func (r Runbook) hasStep(id string) bool {
	for _, s := range r.Steps {
		if s.ID == id {
			return true
		}
	}
	return false
}

// DefaultRunbooks returns the built-in runbooks for the common incident types.
func DefaultRunbooks() []Runbook {
	return []Runbook{
		{
			ID: "malware-response", Name: "Malware Response", IncidentType: TypeMalware,
			Steps: []RunbookStep{
				{ID: "isolate", Title: "Isolate affected hosts", Required: true},
				{ID: "collect", Title: "Collect samples and forensic images", Required: true},
				{ID: "scan", Title: "Sweep the fleet for indicators", Required: true},
				{ID: "eradicate", Title: "Remove malware and persistence", Required: true},
				{ID: "restore", Title: "Restore hosts from known-good state", Required: true},
				{ID: "lessons", Title: "Record lessons learned"},
			},
		},
		{
			ID: "phishing-response", Name: "Phishing Response", IncidentType: TypePhishing,
			Steps: []RunbookStep{
				{ID: "quarantine", Title: "Quarantine the message in all mailboxes", Required: true},
				{ID: "block", Title: "Block sender and linked domains", Required: true},
				{ID: "identify", Title: "Identify recipients who interacted", Required: true},
				{ID: "reset", Title: "Reset credentials of affected users", Required: true},
				{ID: "notify", Title: "Notify users"},
			},
		},
		{
			ID: "data-breach-response", Name: "Data Breach Response", IncidentType: TypeDataBreach,
			Steps: []RunbookStep{
				{ID: "contain", Title: "Contain the exfiltration path", Required: true},
				{ID: "scope", Title: "Determine data and records affected", Required: true},
				{ID: "legal", Title: "Engage legal and privacy", Required: true},
				{ID: "regulators", Title: "Notify regulators where required", Required: true},
				{ID: "customers", Title: "Notify affected customers"},
			},
		},
		{
			ID: "ddos-response", Name: "DDoS Response", IncidentType: TypeDDoS,
			Steps: []RunbookStep{
				{ID: "confirm", Title: "Confirm attack traffic", Required: true},
				{ID: "mitigate", Title: "Enable upstream scrubbing", Required: true},
				{ID: "ratelimit", Title: "Apply rate limits at the edge"},
				{ID: "monitor", Title: "Monitor until traffic normalizes", Required: true},
			},
		},
		{
			ID: "unauthorized-access-response", Name: "Unauthorized Access Response", IncidentType: TypeUnauthorizedAccess,
			Steps: []RunbookStep{
				{ID: "disable", Title: "Disable compromised accounts", Required: true},
				{ID: "sessions", Title: "Revoke active sessions and tokens", Required: true},
				{ID: "review", Title: "Review access logs for lateral movement", Required: true},
				{ID: "mfa", Title: "Enforce MFA re-enrollment"},
			},
		},
	}
}
