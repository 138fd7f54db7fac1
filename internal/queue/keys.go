package queue

import (
	"fmt"

	"github.com/google/uuid"
)

func pendingKey(jobType string) string {
	return fmt.Sprintf("queue:%s", jobType)
}

func taskKey(jobID uuid.UUID) string {
	return fmt.Sprintf("queue:task:%s", jobID)
}

func activeKey(jobType string, subjectID uuid.UUID) string {
	return fmt.Sprintf("queue:active:%s:%s", jobType, subjectID)
}

func runningKey(workerID string) string {
	return fmt.Sprintf("queue:running:%s", workerID)
}

func heartbeatKey(workerID string) string {
	return fmt.Sprintf("queue:heartbeat:%s", workerID)
}

func cancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("queue:cancel:%s", jobID)
}
