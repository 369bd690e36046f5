/*
Package storage provides the shared relational store used to coordinate
rackpatch processes.

Every dispatcher, worker and operator command talks to the same MySQL
database (SQLite for single-host installs and tests). There is no shared
memory between processes: requests, worker slots, sync locks and fabric
locks are ordinary rows, and all coordination happens through transactions
against them.

# Architecture

	┌────────────── rackpatch process ──────────────┐
	│                                               │
	│  synclock / fabric / orchestrator / janitor   │
	│                     │                         │
	│          ┌──────────▼──────────┐              │
	│          │  Store (interface)  │              │
	│          └──────────┬──────────┘              │
	│          ┌──────────▼──────────┐              │
	│          │      SQLStore       │              │
	│          │  Tx / Exec / Query  │              │
	│          │  :N placeholder map │              │
	│          │  error classifier   │              │
	│          └──────────┬──────────┘              │
	│                     │ one connection          │
	└─────────────────────┼─────────────────────────┘
	                      ▼
	            MySQL  (or SQLite file)

# Connecting

Open polls the server every RetryInterval until ConnectTimeout elapses.
A timeout yields *UnreachableError, which matches ErrStoreUnreachable and
reads "attempted N connections in H hours M minutes S seconds". While the
file at KillSwitchPath exists the loop stops at once with
ErrConnectAborted.

# Transactions

Tx runs a statement group in one transaction, committing on success and
rolling back on error. Failed groups are classified:

  - interface failures (bad or closed connection) and "server gone"
    errors recreate the connection when the ServerProbe reports the
    server running, then retry; otherwise they are returned
  - lock contention and other errors are retried up to MaxRetries
  - ErrInvalidArgument, ErrNotFound, ErrInvalidTransition, unique
    violations and SQL syntax errors are returned without retry

A context from WithoutRetry gets exactly one attempt and never waits for a
reconnect.

Read-modify-write groups lock the rows they read: MySQL appends
"FOR UPDATE" to the select (Tx.ForUpdate), and SQLite connections begin
every transaction with BEGIN IMMEDIATE, taking the database write lock up
front.

The store holds a single connection. A Tx callback must only use the Tx
it is given; calling back into the SQLStore from inside a callback
deadlocks.

# Placeholders

Queries are written with positional ":N" placeholders, which may repeat
and appear out of order:

	UPDATE workers SET synclock = :1 WHERE port = :2 AND synclock = :3

They are rewritten to "?" with the arguments reordered to match. The last
statement and its arguments, each cut to 40 characters, are kept for
LastStatement and logged when a group fails.
*/
package storage
