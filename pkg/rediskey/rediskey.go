package rediskey

import "fmt"

// Rate-limit counter keys (global convention across gateway instances)
const (
	WebhookRatePrefix = "ratelimit:webhook"
	SubmitRatePrefix  = "ratelimit:submit"
)

// BuildWebhookRateKey returns "ratelimit:webhook:{provider}:{ip}:{windowBucket}"
func BuildWebhookRateKey(provider, ip string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", WebhookRatePrefix, provider, ip, bucket)
}

// BuildSubmitRateKey returns "ratelimit:submit:{userID}:{windowBucket}"
func BuildSubmitRateKey(userID string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%d", SubmitRatePrefix, userID, bucket)
}
