package natsbus

import (
	"fmt"
	"strings"
	"time"
)

// Topic patterns for NATS pub/sub communication.

const (
	TopicEventsAll    = "events.>"
	TopicEventsStatus = "events.status"
	TopicEventsScan   = "events.scan"
	TopicEventsPost   = "events.post"

	topicStatusUpdatePrefix = "status.update."
	TopicStatusUpdateAll    = topicStatusUpdatePrefix + "*"
)

// Event types carried in Event.Type.
const (
	EventStatus       = "status"
	EventScan         = "scan"
	EventJobCreated   = "job_created"
	EventJobDeleted   = "job_deleted"
	EventJobFinished  = "job_finished"
	EventPostFinished = "post_finished"
)

type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

func TopicEventsJob(jobID string) string {
	return fmt.Sprintf("events.job.%s", jobID)
}

// TopicStatusUpdate is the request subject a worker uses to report its own
// status. The agent id is taken from the subject, never from the payload.
func TopicStatusUpdate(agentID string) string {
	return topicStatusUpdatePrefix + agentID
}

func agentFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, topicStatusUpdatePrefix)
	return id, ok && id != "" && !strings.Contains(id, ".")
}
