package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// WebhookKey identifies a provider delivery. The provider reuses the transaction id across
// event types, so the type is part of the key.
func WebhookKey(eventType, eventID, reference string, payload []byte) string {
	eventType = strings.TrimSpace(eventType)
	if id := strings.TrimSpace(eventID); id != "" {
		return fmt.Sprintf("webhook:%s:%s", eventType, id)
	}
	if ref := strings.TrimSpace(reference); ref != "" {
		return fmt.Sprintf("webhook:%s:ref:%s", eventType, ref)
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("webhook:%s:sha:%s", eventType, hex.EncodeToString(sum[:]))
}

func RecoveryKey(subscriptionID snowflake.ID, amount int64, reference string) string {
	return fmt.Sprintf("recovery:%d:%d:%s", subscriptionID, amount, strings.TrimSpace(reference))
}
