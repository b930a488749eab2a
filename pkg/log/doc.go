/*
Package log provides the process-wide structured logger that the
blockpeer command initializes, wrapping zerolog with a small set of
component-scoped child logger constructors. The blockstore packages
take a zerolog.Logger as a parameter instead of using this one.

Call Init once at process start with the desired level and output
format, then derive child loggers with WithComponent, WithPeerID,
WithBlockID, or WithCollectionID as needed.
*/
package log
