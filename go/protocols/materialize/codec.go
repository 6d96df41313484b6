package materialize

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals gRPC messages as JSON. The corpus generates protobuf
// wire types with protoc; this module hand-writes its message types (see
// messages.go) and so cannot rely on a generated protobuf Marshal/Unmarshal.
// Registering a codec is the idiomatic grpc-go mechanism for exactly this
// case (see google.golang.org/grpc/encoding.Codec), and keeps the wire
// transport genuinely on google.golang.org/grpc rather than a hand-rolled
// substitute.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
