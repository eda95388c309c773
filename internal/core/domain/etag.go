package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// tokenValueBytes is how much of the BLAKE3 digest ends up in a token value.
const tokenValueBytes = 16

// tokenEncMode uses Core Deterministic Encoding so the same state always
// hashes to the same token.
var tokenEncMode cbor.EncMode

func init() {
	var err error
	tokenEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("domain: CBOR encoder initialization failed: " + err.Error())
	}
}

// VersionToken identifies the observed state of a single entity. It is
// carried on the wire as an ETag.
type VersionToken struct {
	EntityType  string
	EntityID    string
	Value       string
	GeneratedAt time.Time
}

type tokenSource struct {
	Type  string `cbor:"1,keyasint"`
	ID    string `cbor:"2,keyasint"`
	State any    `cbor:"3,keyasint"`
}

// GenerateToken derives a token from the entity's content. state must be
// CBOR-encodable and should include a monotonic revision so that a token
// never repeats after the entity returns to an earlier shape.
func GenerateToken(entityType, entityID string, state any, at time.Time) (VersionToken, error) {
	raw, err := tokenEncMode.Marshal(tokenSource{Type: entityType, ID: entityID, State: state})
	if err != nil {
		return VersionToken{}, fmt.Errorf("encode token source: %w", err)
	}

	sum := blake3.Sum256(raw)
	return VersionToken{
		EntityType:  entityType,
		EntityID:    entityID,
		Value:       hex.EncodeToString(sum[:tokenValueBytes]),
		GeneratedAt: at.UTC(),
	}, nil
}

// ParseToken reads an If-Match style header value. An empty header yields
// ErrPreconditionRequired, anything unparseable a *MalformedPreconditionError.
func ParseToken(header, entityType, entityID string) (VersionToken, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return VersionToken{}, ErrPreconditionRequired
	}
	if raw == "*" {
		return VersionToken{}, &MalformedPreconditionError{Header: header, Reason: "wildcard is not accepted"}
	}
	if strings.Contains(raw, ",") {
		return VersionToken{}, &MalformedPreconditionError{Header: header, Reason: "multiple tags are not accepted"}
	}

	if strings.HasPrefix(raw, "W/") {
		return VersionToken{}, &MalformedPreconditionError{Header: header, Reason: "weak tags are not accepted"}
	}

	value := raw
	quotedStart := strings.HasPrefix(value, `"`)
	quotedEnd := len(value) > 1 && strings.HasSuffix(value, `"`)
	if quotedStart != quotedEnd {
		return VersionToken{}, &MalformedPreconditionError{Header: header, Reason: "unbalanced quotes"}
	}
	if quotedStart {
		value = value[1 : len(value)-1]
	}

	if len(value) != hex.EncodedLen(tokenValueBytes) {
		return VersionToken{}, &MalformedPreconditionError{Header: header, Reason: "unexpected length"}
	}
	if _, err := hex.DecodeString(value); err != nil {
		return VersionToken{}, &MalformedPreconditionError{Header: header, Reason: "not a hex value"}
	}

	return VersionToken{
		EntityType: entityType,
		EntityID:   entityID,
		Value:      strings.ToLower(value),
	}, nil
}

// Matches reports whether a and b identify the same state of the same
// entity. Malformed or empty tokens never match.
func Matches(a, b VersionToken) bool {
	if a.EntityType != b.EntityType || a.EntityID != b.EntityID {
		return false
	}
	av, bv := normalizeValue(a.Value), normalizeValue(b.Value)
	return av != "" && av == bv
}

func normalizeValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
	}
	if strings.ContainsAny(v, "\" ") {
		return ""
	}
	return strings.ToLower(v)
}

// IsZero reports whether the token carries no value.
func (t VersionToken) IsZero() bool {
	return normalizeValue(t.Value) == ""
}

// Header renders the token in its quoted wire form.
func (t VersionToken) Header() string {
	return `"` + normalizeValue(t.Value) + `"`
}

func (t VersionToken) String() string {
	return t.EntityType + "/" + t.EntityID + "@" + t.Header()
}
