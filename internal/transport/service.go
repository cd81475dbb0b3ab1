// ABOUTME: Hand-written gRPC service description for the Mailbox service
// ABOUTME: One unary method, Deliver, taking a SignedMessage and returning a DeliverAck

package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/2389/coven-courier/internal/protocol"
)

const (
	serviceName = "coven.courier.Mailbox"

	// DeliverMethod is the full gRPC method name of Deliver.
	DeliverMethod = "/" + serviceName + "/Deliver"
)

// DeliverAck is the recipient's answer to a direct push.
type DeliverAck struct {
	Accepted bool   `json:"accepted"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// MailboxServer is implemented by the receiving side of a direct push.
type MailboxServer interface {
	Deliver(ctx context.Context, msg *protocol.SignedMessage) (*DeliverAck, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.SignedMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailboxServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MailboxServer).Deliver(ctx, req.(*protocol.SignedMessage))
	}
	return interceptor(ctx, in, info, handler)
}

var mailboxServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MailboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coven/courier/mailbox",
}

// RegisterMailboxServer registers srv on s.
func RegisterMailboxServer(s grpc.ServiceRegistrar, srv MailboxServer) {
	s.RegisterService(&mailboxServiceDesc, srv)
}
