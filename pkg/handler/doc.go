// Package handler defines job handler functions and the registry workers
// dispatch through.
//
// Handlers are registered once, up front, on a Builder and looked up by queue
// type:
//
//	reg, err := handler.NewBuilder().
//		Handle("bulk-export", exportHandler).
//		HandleFunc("send-email", func(ctx context.Context, e Email) error {
//			return send(ctx, e)
//		}).
//		Build()
//
// A Func receives the opaque job definition, a progress callback that is
// persisted with the next heartbeat, and a flag that reports cooperative
// cancellation requests.
package handler
