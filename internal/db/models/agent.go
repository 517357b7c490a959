// Package models - agent.go defines the published agent version and download log rows.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// AgentVersion is an immutable published version of an agent (table agent_versions).
type AgentVersion struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Version     string    `json:"version" db:"version"`
	Checksum    string    `json:"checksum" db:"checksum"`
	StoragePath string    `json:"-" db:"storage_path"`
	SizeBytes   int64     `json:"size" db:"size_bytes"`
	Description string    `json:"description" db:"description"`
	Author      string    `json:"author,omitempty" db:"author"`
	Tags        Tags      `json:"tags" db:"tags"`
	PublisherID string    `json:"-" db:"publisher_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AgentSummary is a search result: the newest version of an agent plus its download count.
type AgentSummary struct {
	AgentVersion
	Downloads int64 `json:"downloads" db:"downloads"`
}

// AgentDownload is an append-only row of agent_downloads.
type AgentDownload struct {
	AgentName string
	Version   string
	Requester string
	IP        string
	UserAgent string
}

// Tags is a JSONB string array column.
type Tags []string

// Value implements driver.Valuer.
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (t *Tags) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = Tags{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("tags: unsupported column type")
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if out == nil {
		out = []string{}
	}
	*t = out
	return nil
}
