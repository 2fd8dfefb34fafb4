// Package lua runs Lua scripts against an editing context.
//
// A script runs on the editor goroutine of one replica, so no backend patch
// lands while it executes. The environment has the base, string, table and
// math libraries, an ARGV table with the script arguments, and a doc table:
//
//	doc.insert(index, text)   insert text at a 0-based character index
//	doc.delete(index [, n])   delete n characters (default 1)
//	doc.increment([delta])    add delta (default 1) to the counter
//	doc.text()                current text of the projection
//	doc.counter()             current counter value
//	doc.actor()               identity of the replica
//	doc.pending()             operations not yet confirmed by the backend
//
// Every mutating call is sent to the backend as its own change request.
// Scripts are cached by SHA1 for EVALSHA.
package lua
