// Package materialize defines the driver-facing message types and RPC
// shapes of the materialization transaction protocol: Spec, Validate,
// Apply, and the Open/Load/Prepare/Store/Commit transaction stream.
package materialize

import (
	"encoding/json"
	"fmt"

	pf "github.com/estuary/flow-materialize/go/protocols/flow"
)

// Constraint_Type enumerates how a projection may participate in a
// materialization binding.
type Constraint_Type int32

const (
	Constraint_FIELD_REQUIRED Constraint_Type = iota
	Constraint_LOCATION_REQUIRED
	Constraint_LOCATION_RECOMMENDED
	Constraint_FIELD_OPTIONAL
	Constraint_FIELD_FORBIDDEN
	Constraint_UNSATISFIABLE
)

func (t Constraint_Type) String() string {
	switch t {
	case Constraint_FIELD_REQUIRED:
		return "FIELD_REQUIRED"
	case Constraint_LOCATION_REQUIRED:
		return "LOCATION_REQUIRED"
	case Constraint_LOCATION_RECOMMENDED:
		return "LOCATION_RECOMMENDED"
	case Constraint_FIELD_OPTIONAL:
		return "FIELD_OPTIONAL"
	case Constraint_FIELD_FORBIDDEN:
		return "FIELD_FORBIDDEN"
	case Constraint_UNSATISFIABLE:
		return "UNSATISFIABLE"
	default:
		return "UNKNOWN"
	}
}

// IsForbidden returns true if the constraint type forbids inclusion in a
// materialization: FIELD_FORBIDDEN and UNSATISFIABLE.
func (t Constraint_Type) IsForbidden() bool {
	return t == Constraint_FIELD_FORBIDDEN || t == Constraint_UNSATISFIABLE
}

// ExplicitZeroCheckpoint is a recognizable non-nil, zero-valued checkpoint
// encoding a driver may compare a stored checkpoint against to detect that
// no runtime checkpoint has ever been committed for a binding.
var ExplicitZeroCheckpoint = []byte{0xf8, 0xff, 0xff, 0xff, 0xf, 0x1}

// Response_Validated_Constraint describes whether and why a projection
// field is required, recommended, optional, or forbidden within a binding.
type Response_Validated_Constraint struct {
	Type   Constraint_Type
	Reason string
}

// Response_Validated_Binding is the per-binding outcome of Validate.
type Response_Validated_Binding struct {
	Constraints  map[string]*Response_Validated_Constraint
	DeltaUpdates bool
	ResourcePath []string
}

// Request_Spec requests a driver's connection and resource JSON Schemas.
type Request_Spec struct {
	ConnectorType string
	ConfigJson    json.RawMessage
}

// Response_Spec is the driver's schema and documentation response.
type Response_Spec struct {
	ConfigSchemaJson         json.RawMessage
	ResourceConfigSchemaJson json.RawMessage
	DocumentationUrl         string
}

// Request_Validate asks the driver to validate a proposed materialization.
type Request_Validate struct {
	Name       pf.Materialization
	ConfigJson json.RawMessage
	Bindings   []*Request_Validate_Binding
}

// Request_Validate_Binding is one proposed binding of Validate.
type Request_Validate_Binding struct {
	ResourceConfigJson json.RawMessage
	Collection         pf.CollectionSpec
}

// Response_Validated is the driver's per-binding constraint response.
type Response_Validated struct {
	Bindings []*Response_Validated_Binding
}

// Request_Apply asks the driver to apply (or dry-run) schema changes
// implied by a new or changed MaterializationSpec.
type Request_Apply struct {
	Materialization *pf.MaterializationSpec
	Version         string
	DryRun          bool
}

// Response_Applied describes the statements applied (or that would be).
type Response_Applied struct {
	ActionDescription string
}

// Request_Open begins a transactions stream for one materialization shard.
type Request_Open struct {
	Materialization *pf.MaterializationSpec
	Version         string
	Range           pf.RangeSpec
	// DriverCheckpointJson is the runtime's last-known driver checkpoint,
	// if any; the driver must tolerate its absence.
	DriverCheckpointJson json.RawMessage
}

// Response_Opened is returned once per stream, following Request_Open.
type Response_Opened struct {
	// RuntimeCheckpoint is the runtime checkpoint recovered via the fence,
	// from which the runtime must resume.
	RuntimeCheckpoint []byte
}

// Request_Load asks the driver to fetch the current document for a key.
type Request_Load struct {
	Binding int
	// KeyPacked is the packed-tuple encoding of the document key (C1).
	KeyPacked []byte
	// KeyJson is the JSON array encoding of the same key, for adapters
	// that don't operate on packed tuples directly.
	KeyJson json.RawMessage
}

// Response_Loaded returns a previously-materialized document for a key
// requested by Request_Load.
type Response_Loaded struct {
	Binding int
	DocJson json.RawMessage
}

// Request_Prepare signals the end of the Load phase and begins Commit's
// barrier; it carries the runtime checkpoint to be durably committed.
type Request_Prepare struct {
	FlowCheckpoint []byte
}

// Response_Prepared acknowledges Request_Prepare and optionally returns an
// adapter-owned checkpoint to be recorded by the runtime for next Open.
type Response_Prepared struct {
	DriverCheckpointJson json.RawMessage
}

// Request_Store asks the driver to store one document.
type Request_Store struct {
	Binding      int
	KeyPacked    []byte
	KeyJson      json.RawMessage
	ValuesPacked []byte
	ValuesJson   json.RawMessage
	DocJson      json.RawMessage
	// Exists is true if the runtime observed this key in a prior Load of
	// this same transaction.
	Exists bool
}

// Request_Commit signals the end of the Store phase.
type Request_Commit struct{}

// Response_Committed is returned once Commit has durably completed.
type Response_Committed struct{}

// Request is the sum type of all messages a runtime may send on the
// transactions stream, plus the unary Spec/Validate/Apply requests when a
// single Materialize RPC multiplexes all of Spec/Validate/Apply/Open.
type Request struct {
	Spec     *Request_Spec
	Validate *Request_Validate
	Apply    *Request_Apply
	Open     *Request_Open
	Load     *Request_Load
	Prepare  *Request_Prepare
	Store    *Request_Store
	Commit   *Request_Commit
}

// Validate_ checks that exactly one variant of Request is set.
func (r *Request) Validate_() error {
	var n = 0
	for _, set := range []bool{
		r.Spec != nil, r.Validate != nil, r.Apply != nil, r.Open != nil,
		r.Load != nil, r.Prepare != nil, r.Store != nil, r.Commit != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("expected exactly one Request variant to be set, got %d", n)
	}
	return nil
}

// Response is the sum type of all messages a driver may send.
type Response struct {
	Spec      *Response_Spec
	Validated *Response_Validated
	Applied   *Response_Applied
	Opened    *Response_Opened
	Loaded    *Response_Loaded
	Prepared  *Response_Prepared
	Committed *Response_Committed
}
