/*
Package api serves the process endpoints of a rackpatch dispatcher.

# HTTP

	GET /health            liveness, always 200 while the process runs
	GET /ready             200 when the store answers a ping and every
	                       critical component is healthy, 503 otherwise
	GET /metrics           Prometheus exposition
	GET /requests          requests in ?status= (default Pending)
	GET /requests/{uuid}   one request with its status info and error

# gRPC

The standard grpc.health.v1 service reports SERVING while the store is
reachable, both for the overall "" service and for "rackpatch.store".
Server.Watch refreshes the status on an interval.

Only the health methods are served. Other unary and stream methods get
PermissionDenied, and unary calls are logged with their status code.
*/
package api
