package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Canonicalize renders v as compact JSON with object keys sorted at every depth.
// Numbers keep their literal form, so canonicalizing the output again is the identity.
func Canonicalize(v any) ([]byte, error) {
	raw, err := marshalCompact(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-renders an existing JSON document in canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return marshalCompact(generic)
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashInput is the plaintext a row hash covers. Absent optional fields are "".
type HashInput struct {
	SubjectID     string
	Timestamp     time.Time
	Action        string
	TargetType    string
	TargetID      string
	MetadataJSON  string
	Justification string
	PrevHash      string
}

// ComputeHash returns the hex SHA-256 of the canonical JSON object built from in.
// The timestamp is rendered in UTC at whole-second precision.
func ComputeHash(in HashInput) (string, error) {
	payload := map[string]string{
		"subject_id":    in.SubjectID,
		"ts":            in.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339),
		"action":        in.Action,
		"target_type":   in.TargetType,
		"target_id":     in.TargetID,
		"metadata_json": in.MetadataJSON,
		"justification": in.Justification,
		"prev_hash":     in.PrevHash,
	}
	data, err := marshalCompact(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
