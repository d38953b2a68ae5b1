package model

import "time"

type Status string

const (
	Pending Status = "pending"
	Sent    Status = "sent"
	Partial Status = "partial"
	Failed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Sent, Partial, Failed:
		return true
	}
	return false
}

type ScheduledJob struct {
	ID            string            `json:"id"`
	RecipientIDs  []string          `json:"recipientIds"`
	Messages      []MessageItem     `json:"messages"`
	MessageSetID  string            `json:"messageSetId,omitempty"`
	ScheduledTime time.Time         `json:"scheduledTime"`
	Status        Status            `json:"status"`
	SentTime      *time.Time        `json:"sentTime,omitempty"`
	Error         string            `json:"error,omitempty"`
	Results       []RecipientResult `json:"results,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	// ClaimedAt is set while the dispatcher executes the job.
	ClaimedAt     *time.Time        `json:"claimedAt,omitempty"`
}

func (j *ScheduledJob) Running() bool { return j.ClaimedAt != nil }

// ResetForRetry puts a finished job back into the pending state.
func (j *ScheduledJob) ResetForRetry() {
	j.Status = Pending
	j.Error = ""
	j.SentTime = nil
	j.Results = nil
	j.ClaimedAt = nil
}

type RecipientResult struct {
	RecipientID string `json:"recipientId"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Stats struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

func Summarize(results []RecipientResult) Stats {
	st := Stats{Total: len(results)}
	for _, r := range results {
		if r.Success {
			st.Successful++
			continue
		}
		st.Failed++
		if r.Error != "" {
			st.Errors = append(st.Errors, r.Error)
		}
	}
	return st
}

// Classify maps per-recipient outcomes onto a terminal job status.
// An empty result list counts as failed.
func Classify(results []RecipientResult) Status {
	st := Summarize(results)
	switch {
	case st.Successful == 0:
		return Failed
	case st.Failed == 0:
		return Sent
	default:
		return Partial
	}
}

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

type SendLogEntry struct {
	ID           string    `json:"id"`
	RecipientID  string    `json:"recipientId"`
	MessageSetID string    `json:"messageSetId,omitempty"`
	Status       LogStatus `json:"status"`
	Error        string    `json:"error,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

// RateState is the persisted daily send counter.
type RateState struct {
	DailyCount    int    `json:"dailyMessageCount"`
	LastResetDate string `json:"lastResetDate"`
}
