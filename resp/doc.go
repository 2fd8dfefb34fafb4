// Package resp implements the subset of the Redis serialization protocol the
// editing shell speaks: arrays of bulk strings in, simple values out. Inline
// commands ("INSERT A 0 hi") are accepted too so the shell can be driven from
// telnet or nc.
package resp
