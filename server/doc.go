// Package server exposes the editing contexts of a workspace over the Redis
// protocol, so redis-cli, nc or any Redis client can act as a text UI.
//
// Commands:
//
//	PING [message]
//	AUTH [username] password
//	INSERT replica index text     returns the text after the edit
//	DELETE replica index [count]  returns the text after the edit
//	INCR replica [delta]          returns the counter after the edit
//	TEXT replica
//	COUNTER replica
//	STATE replica                 flat array of field/value pairs
//	SYNC                          waits until both replicas converged
//	INFO
//	EVAL script 1 replica [arg ...]
//	EVALSHA sha1 1 replica [arg ...]
//	SCRIPT LOAD|EXISTS|FLUSH
//	CLIENT ...                    accepted and ignored
//	QUIT
//
// Replicas are named A and B. Indexes count characters from 0.
package server
