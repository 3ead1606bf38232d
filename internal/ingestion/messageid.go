// Package ingestion implements the durable ingestion consumer (C1):
// broker drain, two-tier deduplication, batch-upsert into the time-series
// store, and dead-letter/invalid-data routing (spec.md §4.1).
package ingestion

import (
	"crypto/md5"
	"encoding/hex"
)

// DeriveMessageID implements spec.md §4.1 step 1: prefer the broker-supplied
// id, else the payload's own message_id field, else MD5 of the raw body.
func DeriveMessageID(brokerMessageID string, payload map[string]interface{}, rawBody []byte) string {
	if brokerMessageID != "" {
		return brokerMessageID
	}
	if v, ok := payload["message_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	sum := md5.Sum(rawBody)
	return hex.EncodeToString(sum[:])
}
