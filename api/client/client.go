package client

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/consensus-shipyard/go-topdown/api"
	"github.com/consensus-shipyard/go-topdown/api/apistruct"
)

// NewParentRPC creates a new http jsonrpc client for the parent chain gateway.
func NewParentRPC(ctx context.Context, addr string, requestHeader http.Header, opts ...jsonrpc.Option) (api.ParentAPI, jsonrpc.ClientCloser, error) {
	var res apistruct.ParentStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, "Filecoin",
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
		append([]jsonrpc.Option{jsonrpc.WithErrors(api.NewRPCErrors())}, opts...)...,
	)

	return &res, closer, err
}
