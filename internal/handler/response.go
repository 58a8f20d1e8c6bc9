package handler

import (
	"net/http"
	"time"

	"github.com/ecocollect/phonegate/internal/httputil"
	"github.com/ecocollect/phonegate/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatJob(job *model.DeliveryJob) map[string]any {
	out := map[string]any{
		"id":         job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"priority":   job.Priority,
		"attempts":   job.Attempts,
		"notBefore":  formatTime(job.NotBefore),
		"createdAt":  formatTime(job.CreatedAt),
		"recipients": job.Recipients(),
	}
	if job.LastError != "" {
		out["lastError"] = job.LastError
	}
	if job.Bulk != nil {
		out["campaignId"] = job.Bulk.CampaignID
		out["chunkIndex"] = job.Bulk.ChunkIndex
		out["totalChunks"] = job.Bulk.TotalChunks
	}
	return out
}

func formatNotification(rec model.NotificationRecord) map[string]any {
	return map[string]any{
		"id":         rec.ID,
		"type":       rec.Type,
		"recipient":  rec.Recipient,
		"message":    rec.Message,
		"status":     rec.Status,
		"externalId": rec.ExternalID,
		"jobId":      rec.JobID,
		"error":      rec.Error,
		"createdAt":  rec.CreatedAt.Format(time.RFC3339),
	}
}
