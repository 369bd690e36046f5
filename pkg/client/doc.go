/*
Package client talks to the gRPC health service of a running rackpatch
dispatcher.

The dispatcher serves the standard grpc.health.v1 service. The overall
status and the "rackpatch.store" service follow the reachability of the
coordination store.

# Usage

	c, err := client.NewClient("127.0.0.1:9091")
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.Serving(ctx, api.StoreService)

Use NewClientWithCA when the endpoint sits behind TLS.
*/
package client
