package sharelink

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Encode serializes the payload to its canonical JSON string. Struct field
// order is fixed and map keys are sorted by encoding/json, so encoding the
// same payload always yields the same bytes.
func Encode(p *SharePayload) (string, error) {
	if p == nil {
		return "", &PayloadFormatError{Reason: "nil payload"}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", &PayloadFormatError{Reason: "encode failed", Cause: err}
	}
	return string(raw), nil
}

// Decode parses a payload string. Decoding is deliberately lenient: unknown
// top-level fields are skipped so payloads produced by newer schema versions
// still load best-effort, and a payload carrying only a version tag is
// accepted (the strictness lives in the collector, not here). Structural
// garbage and a missing version tag fail with PayloadFormatError.
func Decode(raw string) (*SharePayload, error) {
	if !gjson.Valid(raw) {
		return nil, &PayloadFormatError{Reason: "not valid JSON"}
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, &PayloadFormatError{Reason: "payload is not an object"}
	}

	version := doc.Get("version")
	if !version.Exists() || version.String() == "" {
		return nil, &PayloadFormatError{Reason: "missing version tag"}
	}

	var p SharePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &PayloadFormatError{Reason: "decode failed", Cause: err}
	}
	for key, cred := range p.MCPConnections {
		p.MCPConnections[key] = cred.Normalize()
	}
	return &p, nil
}
