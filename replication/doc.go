// Package replication implements the synchronization loop between two
// backend stores.
//
// The loop owns both stores. Replicas hand change requests to an Inbox; the
// loop applies each request to the store of the requesting side, forwards
// that store's full change history to the other store, and hands both
// resulting patches to a Sink in a single Notification.
//
// Basic usage:
//
//	loop := replication.NewLoop(storeA, storeB, sink)
//	if err := loop.Start(ctx); err != nil {
//		return err
//	}
//	defer loop.Stop()
//
//	err := loop.Inbox(replication.SideA).Send(req)
//
// The loop handles:
//   - Rejected requests, reported to the requesting side only
//   - Inboxes closed from outside, which end the loop with ErrChannelClosed
//   - Sink failures, which are counted and dropped
package replication
