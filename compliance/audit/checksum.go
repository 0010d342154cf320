// Package audit implements the tamper-evident audit trail: recording,
// querying, exporting, and integrity verification of audit entries.
// Every entry carries a SHA-256 checksum over its canonical form, so
// any later change to a stored entry is detectable by recomputation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ComUnity/audit-service/internal/models"
)

// FailureChecksum is the fixed sentinel carried by degraded entries
// written after a primary audit write failed. It never matches a
// recomputed checksum, so failure records always verify as invalid and
// stay visible to integrity sweeps.
const FailureChecksum = "audit-failure-sentinel"

// ComputeChecksum returns the hex SHA-256 of the entry's canonical
// form. The canonical form is the pipe-joined sequence of microsecond
// unix timestamp, actor id, action, resource, resource id, canonical
// JSON payload, IP address, and user agent. ID and Status are excluded:
// ID is random and Status is the one derived field.
func ComputeChecksum(entry *models.AuditEntry) string {
	actor := ""
	if entry.ActorID != nil {
		actor = entry.ActorID.String()
	}
	resourceID := ""
	if entry.ResourceID != nil {
		resourceID = *entry.ResourceID
	}
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s",
		entry.Timestamp.UTC().UnixMicro(),
		actor,
		entry.Action,
		entry.Resource,
		resourceID,
		canonicalPayload(entry.Payload),
		entry.IPAddress,
		entry.UserAgent,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// canonicalPayload renders the payload as JSON with object keys sorted,
// so the same payload always hashes the same regardless of the struct
// or map it came from.
func canonicalPayload(p models.Payload) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	// encoding/json sorts map keys on marshal.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}
