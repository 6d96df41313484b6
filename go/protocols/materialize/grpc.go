package materialize

import (
	"context"

	"google.golang.org/grpc"
)

// ConnectorServer is implemented by a materialization driver process: it
// handles Spec, Validate, and Apply as point-in-time calls, and Open as the
// start of a long-lived transactions stream.
type ConnectorServer interface {
	Materialize(Connector_MaterializeServer) error
}

// ConnectorClient is the runtime-side stub of ConnectorServer.
type ConnectorClient interface {
	Materialize(ctx context.Context, opts ...grpc.CallOption) (Connector_MaterializeClient, error)
}

// Connector_MaterializeServer is the driver-side half of the bidirectional
// Materialize stream.
type Connector_MaterializeServer interface {
	Send(*Response) error
	Recv() (*Request, error)
	Context() context.Context
}

// Connector_MaterializeClient is the runtime-side half of the stream.
type Connector_MaterializeClient interface {
	Send(*Request) error
	Recv() (*Response, error)
	CloseSend() error
	Context() context.Context
}

// ServiceName is the fully-qualified gRPC service name, matching the shape
// protoc-gen-go-grpc would emit for a "Connector" service with one
// bidirectional-streaming "Materialize" method.
const ServiceName = "materialize.Connector"

// ServiceDesc describes the Connector service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConnectorServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Materialize",
			Handler:       materializeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "materialize.proto",
}

func materializeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ConnectorServer).Materialize(&serverStream{stream})
}

// RegisterConnectorServer registers impl with s, serving ServiceDesc.
func RegisterConnectorServer(s grpc.ServiceRegistrar, impl ConnectorServer) {
	s.RegisterService(&ServiceDesc, impl)
}

type serverStream struct{ grpc.ServerStream }

func (s *serverStream) Send(m *Response) error { return s.ServerStream.SendMsg(m) }
func (s *serverStream) Recv() (*Request, error) {
	var m = new(Request)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// connectorClient is the concrete ConnectorClient over a grpc.ClientConn.
type connectorClient struct {
	cc *grpc.ClientConn
}

// NewConnectorClient returns a ConnectorClient dialed over cc.
func NewConnectorClient(cc *grpc.ClientConn) ConnectorClient {
	return &connectorClient{cc: cc}
}

func (c *connectorClient) Materialize(ctx context.Context, opts ...grpc.CallOption) (Connector_MaterializeClient, error) {
	var opts2 = append([]grpc.CallOption{grpc.CallContentSubtype("json")}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Materialize", opts2...)
	if err != nil {
		return nil, err
	}
	return &clientStream{stream}, nil
}

type clientStream struct{ grpc.ClientStream }

func (c *clientStream) Send(m *Request) error { return c.ClientStream.SendMsg(m) }
func (c *clientStream) Recv() (*Response, error) {
	var m = new(Response)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
