package store

import (
	"fmt"

	"github.com/google/uuid"
)

const jobKeyPrefix = "job:"

func JobKey(jobID uuid.UUID) string {
	return jobKeyPrefix + jobID.String()
}

func SessionKey(jobID uuid.UUID) string {
	return fmt.Sprintf("session:%s", jobID)
}

func NotifyKey(jobID uuid.UUID) string {
	return fmt.Sprintf("notify:%s", jobID)
}

func RateLimitKey(clientIP string) string {
	return fmt.Sprintf("ratelimit:%s", clientIP)
}
