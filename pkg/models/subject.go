package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subject is the entity a pipeline analyzes: a qualification, an RFP or a
// pitch. Requirements hold whatever intake extracted (structured JSON);
// WebsiteURL is set for audit-style scans.
type Subject struct {
	ID           uuid.UUID       `db:"id"           json:"id"`
	TenantID     uuid.UUID       `db:"tenant_id"    json:"tenant_id"`
	Kind         string          `db:"kind"         json:"kind"` // qualification | rfp | pitch
	Name         string          `db:"name"         json:"name"`
	WebsiteURL   *string         `db:"website_url"  json:"website_url,omitempty"`
	Requirements json.RawMessage `db:"requirements" json:"requirements,omitempty"`
	CreatedAt    time.Time       `db:"created_at"   json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"   json:"updated_at"`
}
