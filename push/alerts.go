package push

import (
	"strconv"

	"camfleet/config"
	"camfleet/coordinator"
	"camfleet/models"
)

// LeaseAlerts notifies operators whenever a lease is orphaned. Sending happens
// in the background, the listener never blocks the lease path.
func LeaseAlerts() coordinator.TransitionListener {
	return func(t coordinator.Transition) {
		if t.To != models.LeaseOrphaned {
			return
		}
		notification, ok := orphanedNotification(t)
		if ok {
			go notification.Send()
		}
	}
}

func orphanedNotification(t coordinator.Transition) (*Notification, bool) {
	tokens := OperatorTokens()
	if config.PUSH_SERVER == "" || len(tokens) == 0 {
		return nil, false
	}
	return &Notification{
		Type:       NotificationTypeLeaseOrphaned,
		UserTokens: tokens,
		Title:      "Camera " + strconv.FormatUint(t.CameraID, 10) + " lost its worker",
		Body:       "Worker " + t.WorkerID + " stopped renewing the lease, it will be reassigned",
		Data: map[string]string{
			"type":       NotificationTypeLeaseOrphaned,
			"camera":     strconv.FormatUint(t.CameraID, 10),
			"site":       strconv.FormatUint(t.SiteID, 10),
			"worker":     t.WorkerID,
			"generation": strconv.FormatInt(t.Generation, 10),
		},
	}, true
}

// WorkerError tells operators that a worker reported the error status
func WorkerError(worker *models.Worker, lastError string) {
	tokens := OperatorTokens()
	if config.PUSH_SERVER == "" || len(tokens) == 0 {
		return
	}
	notification := Notification{
		Type:  NotificationTypeWorkerError,
		Title: "Worker " + worker.Hostname + " reported an error",
		Body:  lastError,
		Data: map[string]string{
			"type":   NotificationTypeWorkerError,
			"worker": worker.ID,
			"errors": strconv.Itoa(worker.ErrorCount),
		},
	}
	go notification.SendTo(tokens)
}
