// Package protocol defines the messages exchanged between document replicas
// and backend stores.
//
// A replica turns user edits into a ChangeRequest. A backend store integrates
// the request, records one Change per operation in its log and answers with a
// Patch that carries the authoritative value of every field it touched. Changes
// are the unit exchanged between backend stores during replication.
//
// Every operation is identified by an OpID, a Lamport counter paired with the
// ActorID that produced it. A Clock records, per actor, the highest counter
// observed and doubles as the dependency set used to ask for missing history.
//
// The types carry json tags; the same encoding is used on the wire and by the
// change-log stores.
package protocol
