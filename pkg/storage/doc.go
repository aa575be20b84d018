/*
Package storage defines the durable state behind the SDK delivery pipeline.

# Store Interface

A Store bundles three independent collections:

  - RequestQueue: the ordered list of fully formed request query strings
    waiting for delivery. Strict FIFO, survives restarts.
  - EventQueue: raw custom-event JSON objects recorded but not yet batched
    into an events request.
  - Preferences: a flat string map holding the device id and its type, the
    rollback slot, location fields, the cached advertising id, push consent
    and the remote-config blob.

Backends:

  - memory: slices guarded by a mutex. Fast, nothing survives a restart.
  - badger: BadgerDB with synchronous writes. Keys are a one-byte-plus-slash
    prefix followed by a big-endian sequence number, so iterating a prefix
    yields insertion order:

	q/<seq>   pending request string
	e/<seq>   raw event JSON
	p/<name>  preference value

# Removal Semantics

Remove deletes the oldest entry whose value equals the argument. When the
same request string was appended twice only one copy goes per call; callers
re-read the head with PeekOldest after each removal instead of holding on to
positions.
*/
package storage
