package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the grpc service name Connect is registered under. It
// plays the role a .proto package.service name would; there is no .proto
// file backing it (see codec.go).
const ServiceName = "symphony.NodeService"

// NodeServiceServer is implemented by the conductor's grpc handler
// (internal/conductor/session). One call to Connect lives for the whole
// duration of one node's session.
type NodeServiceServer interface {
	Connect(NodeService_ConnectServer) error
}

// NodeService_ConnectServer is the server-side view of the bidirectional
// stream: the conductor receives NodeHello/Heartbeat/... and sends
// DeploymentReq/... back.
type NodeService_ConnectServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type nodeServiceConnectServer struct {
	grpc.ServerStream
}

func (x *nodeServiceConnectServer) Send(m *Envelope) error {
	return x.ServerStream.SendMsg(m)
}

func (x *nodeServiceConnectServer) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _NodeService_Connect_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).Connect(&nodeServiceConnectServer{stream})
}

// ServiceDesc is registered against a *grpc.Server with
// RegisterNodeServiceServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       _NodeService_Connect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "symphony/wire.proto",
}

// RegisterNodeServiceServer wires srv into s under ServiceDesc.
func RegisterNodeServiceServer(s grpc.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NodeServiceClient is implemented by the node agent's grpc stub.
type NodeServiceClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (NodeService_ConnectClient, error)
}

// NodeService_ConnectClient is the client-side (node) view of the stream.
type NodeService_ConnectClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type nodeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeServiceClient wraps a grpc connection dialed to the conductor.
func NewNodeServiceClient(cc grpc.ClientConnInterface) NodeServiceClient {
	return &nodeServiceClient{cc}
}

func (c *nodeServiceClient) Connect(ctx context.Context, opts ...grpc.CallOption) (NodeService_ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Connect", opts...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceConnectClient{stream}, nil
}

type nodeServiceConnectClient struct {
	grpc.ClientStream
}

func (x *nodeServiceConnectClient) Send(m *Envelope) error {
	return x.ClientStream.SendMsg(m)
}

func (x *nodeServiceConnectClient) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
