package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// CurrentProtocolVersion is the version the orchestration engine executes
// natively; anything older is migrated forward before validation.
const CurrentProtocolVersion = "2.0"

// ParseResult reports how much work the Protocol Layer had to do to arrive
// at a valid, current-version Plan.
type ParseResult struct {
	Plan      *plan.Plan
	Repaired  bool
	Migrated  bool
	FromVersion string
}

// Parse runs the full submission-time pipeline over raw agent output: parse
// (with repair fallback), migrate to the current protocol version, decode
// into a Plan, and validate structural invariants. Any failure is returned
// as a *bridgeerr.Error of kind protocol, with enough structured detail to
// feed back to the originating agent as correction guidance.
func Parse(raw string) (*ParseResult, error) {
	rr, err := Repair(raw)
	if err != nil {
		return nil, bridgeerr.Protocol("unparseable", "plan body is not valid JSON and could not be repaired", err, nil)
	}

	fromVersion, _ := rr.JSON["protocol_version"].(string)
	if fromVersion == "" {
		fromVersion = "1.0"
	}

	doc := rr.JSON
	migrated := false
	if fromVersion != CurrentProtocolVersion {
		pipeline := NewMigrationPipeline(CurrentProtocolVersion)
		doc, err = pipeline.Upgrade(doc)
		if err != nil {
			return nil, bridgeerr.Protocol("migration_failed", fmt.Sprintf("cannot migrate from protocol version %q", fromVersion), err, nil)
		}
		migrated = true
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, bridgeerr.Protocol("encode_failed", "internal re-encoding of repaired plan failed", err, nil)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, bridgeerr.Protocol("schema_mismatch", "plan does not match the expected shape", err, nil)
	}
	for i := range p.Actions {
		if p.Actions[i].TargetNode == "" {
			p.Actions[i].TargetNode = "local"
		}
		if p.Actions[i].OnError == "" {
			p.Actions[i].OnError = plan.OnErrorAbort
		}
	}

	if issues := Validate(&p); len(issues) > 0 {
		return nil, AsError(issues)
	}

	return &ParseResult{Plan: &p, Repaired: rr.Repaired, Migrated: migrated, FromVersion: fromVersion}, nil
}
