package model

import (
	"fmt"
	"time"
)

// MessageSpec is either a template reference or a raw body. When both are
// set the template wins; Data feeds the renderer.
type MessageSpec struct {
	Template string            `json:"template,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

func (m MessageSpec) Empty() bool {
	return m.Template == "" && m.Body == ""
}

// BulkRecipient carries per-recipient personalization merged over the
// campaign-wide MessageSpec.Data.
type BulkRecipient struct {
	Phone string            `json:"phone"`
	Data  map[string]string `json:"data,omitempty"`
}

type SinglePayload struct {
	Recipient string      `json:"recipient"`
	Message   MessageSpec `json:"message"`
}

type BulkChunkPayload struct {
	CampaignID  string          `json:"campaignId"`
	ChunkIndex  int             `json:"chunkIndex"`
	TotalChunks int             `json:"totalChunks"`
	Message     MessageSpec     `json:"message"`
	Recipients  []BulkRecipient `json:"recipients"`
	// Pending holds recipients whose last attempt failed transiently. Only
	// these are retried; nil means no attempt has been made yet.
	Pending []BulkRecipient `json:"pending,omitempty"`
}

type ScheduledPayload struct {
	Recipient string      `json:"recipient"`
	Message   MessageSpec `json:"message"`
	SendAt    time.Time   `json:"sendAt"`
}

// DeliveryJob is one unit of queued work. Exactly one payload pointer is set
// and it must match Kind.
type DeliveryJob struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	Priority  int       `json:"priority"`
	NotBefore time.Time `json:"notBefore"`
	Attempts  int       `json:"attempts"`
	Status    JobStatus `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	// Claim identifies the claim that handed this job to a worker. It lives
	// in the job hash, not the payload.
	Claim int64 `json:"-"`

	Single    *SinglePayload    `json:"single,omitempty"`
	Bulk      *BulkChunkPayload `json:"bulk,omitempty"`
	Scheduled *ScheduledPayload `json:"scheduled,omitempty"`
}

func (j *DeliveryJob) Validate() error {
	set := 0
	if j.Single != nil {
		set++
	}
	if j.Bulk != nil {
		set++
	}
	if j.Scheduled != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("job %s: expected exactly one payload, got %d", j.ID, set)
	}

	switch j.Kind {
	case JobKindSingle:
		if j.Single == nil {
			return fmt.Errorf("job %s: kind %s without single payload", j.ID, j.Kind)
		}
	case JobKindBulkChunk:
		if j.Bulk == nil {
			return fmt.Errorf("job %s: kind %s without bulk payload", j.ID, j.Kind)
		}
	case JobKindScheduled:
		if j.Scheduled == nil {
			return fmt.Errorf("job %s: kind %s without scheduled payload", j.ID, j.Kind)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
	return nil
}

// Recipients returns the phone numbers this job still has to reach.
func (j *DeliveryJob) Recipients() []string {
	switch {
	case j.Single != nil:
		return []string{j.Single.Recipient}
	case j.Scheduled != nil:
		return []string{j.Scheduled.Recipient}
	case j.Bulk != nil:
		list := j.Bulk.Recipients
		if j.Bulk.Pending != nil {
			list = j.Bulk.Pending
		}
		phones := make([]string, len(list))
		for i, r := range list {
			phones[i] = r.Phone
		}
		return phones
	}
	return nil
}

// Message returns the campaign or single message spec of the job.
func (j *DeliveryJob) Message() MessageSpec {
	switch {
	case j.Single != nil:
		return j.Single.Message
	case j.Scheduled != nil:
		return j.Scheduled.Message
	case j.Bulk != nil:
		return j.Bulk.Message
	}
	return MessageSpec{}
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Degraded  bool  `json:"degraded"`
}
