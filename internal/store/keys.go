package store

import (
	"strconv"

	"github.com/Wikid82/guard/internal/util"
)

const keyPrefix = "guard:"

// ThreatKey returns guard:threat:<subject>.
func ThreatKey(subject string) string {
	return keyPrefix + "threat:" + util.SanitizeKey(subject)
}

// BlockKey returns guard:block:<subject>.
func BlockKey(subject string) string {
	return keyPrefix + "block:" + util.SanitizeKey(subject)
}

// RateKey returns guard:rate:<subject>:<route>.
func RateKey(subject, route string) string {
	return keyPrefix + "rate:" + util.SanitizeKey(subject) + ":" + util.SanitizeKey(route)
}

// ChallengeKey returns guard:challenge:<challengeId>.
func ChallengeKey(id string) string {
	return keyPrefix + "challenge:" + util.SanitizeKey(id)
}

// SignalKey returns guard:signal:<subject>:<signalType>:<timeBucket>.
func SignalKey(subject, signalType string, bucket int64) string {
	return keyPrefix + "signal:" + util.SanitizeKey(subject) + ":" + util.SanitizeKey(signalType) + ":" + strconv.FormatInt(bucket, 10)
}

// IdempotencyKey returns guard:idempotency:<consumer>:<key>.
func IdempotencyKey(consumer, key string) string {
	return keyPrefix + "idempotency:" + util.SanitizeKey(consumer) + ":" + util.SanitizeKey(key)
}
