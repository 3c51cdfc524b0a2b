package cas

import "encoding/json"

// jsonCodec lets the hand-declared request/response structs in this package
// travel over a gRPC connection without a generated protobuf message set:
// grpc.ClientConn.Invoke accepts any codec registered via
// grpc.CallContentSubtype, so long as both ends agree on it.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "json" }
