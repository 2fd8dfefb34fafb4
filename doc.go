// Package localfirst runs a local-first shared document as two twin
// replicas: each side has an optimistic editing context and an authoritative
// backend store, and a synchronization loop keeps the two backends converged
// and tells both editors what changed.
//
// The document has two fields, a counter "counts" and a collaborative text
// "text". Concurrent edits on the two sides always converge, no edit is lost
// and a replica never renders a patch caused by its own edit.
//
// Basic usage:
//
//	session, err := localfirst.New(
//		localfirst.WithShellAddr("127.0.0.1:6390"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
//	if err := session.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	session.A().Edit(ctx, frontend.Insert(0, "hello"))
//	session.B().Edit(ctx, frontend.Increment(1))
//	session.Sync(ctx)
//
// The library supports:
//
//   - Persistent change logs in bbolt or Redis (see storage)
//   - A Redis protocol editing shell with Lua scripting (see server)
//   - An HTTP and websocket editing API (see httpapi)
//   - Change events published to Kafka (see events)
//   - Prometheus metrics (see metrics)
//
// For a complete program, see cmd/twinedit and the examples/ directory.
package localfirst
