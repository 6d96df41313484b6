package materialize

// This file mirrors the in-process adapter pattern used throughout the
// connector protocols: it lets tests drive a ConnectorServer directly,
// without a socket, by implementing the client and server halves of the
// stream over a pair of channels.

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type requestError struct {
	*Request
	Error error
}

type responseError struct {
	*Response
	Error error
}

// AdaptServerToClient wraps an in-process ConnectorServer to provide a
// ConnectorClient, for use in tests that want to exercise the protocol
// without a running gRPC server.
func AdaptServerToClient(srv ConnectorServer) ConnectorClient {
	return adapter{srv}
}

type adapter struct{ ConnectorServer }

func (a adapter) Materialize(ctx context.Context, opts ...grpc.CallOption) (Connector_MaterializeClient, error) {
	var reqCh = make(chan requestError, 4)
	var respCh = make(chan responseError, 4)
	var doneCh = make(chan struct{})

	var client = &adapterClient{ctx: ctx, tx: reqCh, rx: respCh, done: doneCh}
	var server = &adapterServer{ctx: ctx, tx: respCh, rx: reqCh}

	go func() (err error) {
		defer func() {
			if err != nil {
				respCh <- responseError{Error: err}
			}
			close(respCh)
			close(doneCh)
		}()
		return a.ConnectorServer.Materialize(server)
	}()

	return client, nil
}

type adapterClient struct {
	ctx  context.Context
	tx   chan<- requestError
	rx   <-chan responseError
	done <-chan struct{}
}

func (a *adapterClient) Context() context.Context { return a.ctx }

func (a *adapterClient) Send(m *Request) error {
	select {
	case a.tx <- requestError{Request: m}:
		return nil
	case <-a.done:
		return io.EOF
	}
}

func (a *adapterClient) CloseSend() error {
	close(a.tx)
	return nil
}

func (a *adapterClient) Recv() (*Response, error) {
	if m, ok := <-a.rx; ok {
		return m.Response, m.Error
	}
	return nil, io.EOF
}

func (a *adapterClient) Header() (metadata.MD, error) { panic("not implemented") }
func (a *adapterClient) Trailer() metadata.MD         { panic("not implemented") }
func (a *adapterClient) SendMsg(m interface{}) error  { panic("not implemented") } // Use Send.
func (a *adapterClient) RecvMsg(m interface{}) error  { panic("not implemented") } // Use Recv.

type adapterServer struct {
	ctx context.Context
	tx  chan<- responseError
	rx  <-chan requestError
}

var _ Connector_MaterializeServer = new(adapterServer)

func (a *adapterServer) Context() context.Context { return a.ctx }

func (a *adapterServer) Send(m *Response) error {
	a.tx <- responseError{Response: m}
	return nil
}

func (a *adapterServer) Recv() (*Request, error) {
	if m, ok := <-a.rx; ok {
		return m.Request, m.Error
	}
	return nil, io.EOF
}
