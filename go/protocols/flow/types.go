package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Materialization is the name of a materialization task.
type Materialization string

func (m Materialization) String() string { return string(m) }

// Slice is a {begin,end} range of bytes within an Arena.
type Slice struct {
	Begin uint32
	End   uint32
}

// Inference describes statically-derived properties of a document location,
// inferred from its collection's JSON schema.
type Inference struct {
	// Types is the set of possible JSON types at this location: some subset
	// of "null", "boolean", "integer", "number", "string", "array", "object".
	Types []string
	// Exists describes whether the document location is known to be
	// present, may be absent, or cannot be statically determined.
	Exists Inference_Exists
}

// Inference_Exists enumerates certainty about whether a location is present.
type Inference_Exists int32

const (
	Inference_MAY Inference_Exists = iota
	Inference_MUST
	Inference_IMPLICIT
	Inference_CANNOT
)

// Projection relates a dot-separated field name to a location within a
// collection's documents, identified by a JSON-Pointer.
type Projection struct {
	// Ptr is a JSON-Pointer locating this projection within a document.
	// An empty Ptr is the projection of the entire document.
	Ptr string
	// Field is the name by which this location is referenced in a
	// MaterializationSpec_Binding's FieldSelection.
	Field string
	// IsPrimaryKey is true if this location is (part of) the collection key.
	IsPrimaryKey bool
	// Inference of this location, derived from the collection's schema.
	Inference *Inference
}

// CollectionSpec describes a Flow collection being materialized.
type CollectionSpec struct {
	// Name of the collection.
	Name string
	// KeyPtrs are the JSON-Pointers composing the collection's key, in order.
	KeyPtrs []string
	// Projections of locations within the collection's documents.
	Projections []*Projection
}

// RangeSpec describes the half-open [KeyBegin, KeyEnd) subrange of a 32-bit
// hashed keyspace that a shard is responsible for.
type RangeSpec struct {
	KeyBegin uint32
	KeyEnd   uint32
}

// MaterializationSpec_Binding pairs a collection with its materialization
// resource (e.g. target table) and the fields selected for materializing it.
type MaterializationSpec_Binding struct {
	// Collection being materialized.
	Collection CollectionSpec
	// ResourceConfigJson is the driver-specific resource configuration,
	// validated against the JSON Schema returned by Spec.
	ResourceConfigJson json.RawMessage
	// FieldSelection of the collection's projections to materialize.
	FieldSelection FieldSelection
	// ResourcePath uniquely identifies the materialized resource, as
	// returned by the driver's Validated response.
	ResourcePath []string
	// DeltaUpdates is true if this binding should be materialized using
	// delta (insert-only) updates, rather than a reducing merge.
	DeltaUpdates bool
}

// MaterializationSpec fully describes a materialization task.
type MaterializationSpec struct {
	// Name of the materialization.
	Name Materialization
	// ConfigJson is the endpoint configuration, validated against the
	// JSON Schema returned by Spec.
	ConfigJson json.RawMessage
	// Bindings of collections to materialize, and how.
	Bindings []*MaterializationSpec_Binding
}

// Marshal returns the JSON-encoded form of the spec. Bindings persisted to
// a target's specs table are base64(json), rather than base64(protobuf) as
// in a generated-code pipeline, since this module hand-writes its message
// types rather than generating them from .proto sources.
func (m *MaterializationSpec) Marshal() ([]byte, error) { return json.Marshal(m) }

// Validate returns an error if the MaterializationSpec is malformed.
func (m *MaterializationSpec) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("materialization has no name")
	} else if len(m.ConfigJson) == 0 {
		return fmt.Errorf("materialization '%s' is missing ConfigJson", m.Name)
	}
	for i, b := range m.Bindings {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("binding[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate returns an error if the binding is malformed.
func (m *MaterializationSpec_Binding) Validate() error {
	if err := m.Collection.Validate(); err != nil {
		return fmt.Errorf("collection: %w", err)
	} else if len(m.ResourceConfigJson) == 0 {
		return fmt.Errorf("missing ResourceConfigJson")
	} else if err := m.FieldSelection.Validate(); err != nil {
		return fmt.Errorf("FieldSelection: %w", err)
	} else if len(m.ResourcePath) == 0 {
		return fmt.Errorf("missing ResourcePath")
	}
	for i, p := range m.ResourcePath {
		if len(p) == 0 {
			return fmt.Errorf("ResourcePath[%d] is empty", i)
		}
	}
	for _, field := range m.FieldSelection.AllFields() {
		if m.Collection.GetProjection(field) == nil {
			return fmt.Errorf("the selected field '%s' has no corresponding projection", field)
		}
	}
	return nil
}

// FieldValuePtrs returns the projection pointers of FieldSelection.Values.
func (m *MaterializationSpec_Binding) FieldValuePtrs() []string {
	var out []string
	for _, field := range m.FieldSelection.Values {
		out = append(out, m.Collection.GetProjection(field).Ptr)
	}
	return out
}

// FieldSelection names the projections of a collection that are materialized.
type FieldSelection struct {
	// Keys are the fields comprising the collection's key, in declared order.
	Keys []string
	// Values are the non-key, non-document fields materialized, sorted.
	Values []string
	// Document is the field materializing the full document, or "" if none.
	Document string
	// FieldConfigJson holds driver-specific, per-field configuration.
	FieldConfigJson map[string]json.RawMessage
}

// AllFields returns the complete set of fields as a single slice: Keys
// first in declared order, then Values in sorted order, then Document last.
func (fields *FieldSelection) AllFields() []string {
	var all = make([]string, 0, len(fields.Keys)+len(fields.Values)+1)
	all = append(all, fields.Keys...)
	all = append(all, fields.Values...)
	if fields.Document != "" {
		all = append(all, fields.Document)
	}
	return all
}

// Validate returns an error if the FieldSelection is malformed.
func (fields *FieldSelection) Validate() error {
	if !sort.StringsAreSorted(fields.Values) {
		return fmt.Errorf("Values must be sorted")
	}
	return nil
}

// Equal returns true if this FieldSelection is deeply equal to other.
func (fields *FieldSelection) Equal(other *FieldSelection) bool {
	if other == nil {
		return fields == nil
	}
	if len(fields.Keys) != len(other.Keys) || len(fields.Values) != len(other.Values) {
		return false
	}
	for i := range fields.Keys {
		if fields.Keys[i] != other.Keys[i] {
			return false
		}
	}
	for i := range fields.Values {
		if fields.Values[i] != other.Values[i] {
			return false
		}
	}
	return fields.Document == other.Document
}

// UnmarshalStrict decodes |b| into |v|, rejecting unknown fields.
func UnmarshalStrict(b json.RawMessage, v interface{}) error {
	var dec = json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
