package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind identifies which cache instance an entity belongs to.
type Kind string

const (
	KindContacts      Kind = "contacts"
	KindOpportunities Kind = "opportunities"
)

// ParseKind validates a kind string coming from configuration or a URL segment.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindContacts, KindOpportunities:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Entity is a cached CRM record: a stable id, a few promoted scalar fields
// used for filtering and sort, and the raw field bag for everything else.
// Identity is immutable once assigned; field values are mutable.
type Entity struct {
	ID        string         `json:"id" validate:"required"`
	Kind      Kind           `json:"kind" validate:"required,oneof=contacts opportunities"`
	Name      string         `json:"name"`
	Company   string         `json:"company"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Fields    map[string]any `json:"fields,omitempty"`
}

var validate = validator.New()

// ErrMalformedRow marks a remote row that failed the boundary decode.
var ErrMalformedRow = errors.New("malformed entity row")

// promoted keys are lifted out of the field bag during Decode.
var promotedKeys = map[string]bool{
	"id": true, "name": true, "company": true, "status": true,
	"createdAt": true, "updatedAt": true,
}

// Decode parses a loosely-typed row from the remote store into an Entity.
// Rows without a usable string id are rejected rather than defaulted; unknown
// keys are kept in Fields untouched.
func Decode(kind Kind, raw map[string]any) (Entity, error) {
	id, ok := raw["id"].(string)
	if !ok || id == "" {
		return Entity{}, fmt.Errorf("%w: missing or non-string id", ErrMalformedRow)
	}

	e := Entity{ID: id, Kind: kind}
	if v, ok := raw["name"].(string); ok {
		e.Name = v
	}
	if v, ok := raw["company"].(string); ok {
		e.Company = v
	}
	if v, ok := raw["status"].(string); ok {
		e.Status = v
	}
	e.CreatedAt = parseTime(raw["createdAt"])
	e.UpdatedAt = parseTime(raw["updatedAt"])

	for k, v := range raw {
		if promotedKeys[k] {
			continue
		}
		if e.Fields == nil {
			e.Fields = map[string]any{}
		}
		e.Fields[k] = v
	}

	if err := validate.Struct(&e); err != nil {
		return Entity{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	return e, nil
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Clone deep-copies the entity so cache snapshots never share the field bag
// with callers.
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Merge applies a partial field update. Promoted fields are recognized by
// name; everything else lands in the field bag. Returns the updated entity.
func (e Entity) Merge(fields map[string]any) Entity {
	out := e.Clone()
	for k, v := range fields {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				out.Name = s
			}
		case "company":
			if s, ok := v.(string); ok {
				out.Company = s
			}
		case "status":
			if s, ok := v.(string); ok {
				out.Status = s
			}
		case "id", "createdAt":
			// identity and creation time are immutable
		default:
			if out.Fields == nil {
				out.Fields = map[string]any{}
			}
			out.Fields[k] = v
		}
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}
