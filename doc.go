/*
Package cowdb implements an embeddable relational store built from immutable,
structurally shared snapshots over an append-only log.

We implement:

1. Tables with typed columns, stored as a row directory mapping each row uid
to the log record holding its current values.

2. Indexes over one or more columns, ascending or descending per column,
optionally unique, primary or referencing another table's primary key.

3. Transactions that stage steps against a private snapshot and commit them
optimistically: a commit fails with ErrTransactionConflict if anything
committed since the transaction started touches what it touched.

4. A catalog of named databases, optionally registered in a bbolt manifest.

Queries live in package rowset, which evaluates trees of lazy row sets over
a Snapshot.

# Technical Details

**Uids.**
Every catalog object and row record is named by the byte offset of its log
record. Objects created inside a transaction get local uids starting at
LocalUIDBase; the commit assigns real offsets before anything is written and
rewrites every reference to a local uid.

**Snapshots.**
A Snapshot holds persistent dictionaries (package pdict) of objects, names
and pending row records. Applying an object copies only the touched paths,
so a snapshot never changes once published and readers need no locks.

**Rows.**
Rows are not held in memory. The row directory maps a row uid to the uid of
its latest Insert or Update record, and values are decoded from the mapped
log on demand.

## Binary encoding

**Log**: a 16-byte header, then batches of records. Each record is a tag
byte, a big-endian u32 payload length, the payload and an xxhash64 of the
preceding bytes. A batch ends with an empty TagCommit record; anything after
the last commit marker is discarded on open.

**Payloads** are concatenations of fixed-width big-endian integers,
length-prefixed strings and tagged values (package value).
*/
package cowdb
