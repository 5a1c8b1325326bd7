/*
Package storage provides BoltDB-backed state persistence for the
ChallengeCtl controller.

The store owns every entity: agents, challenges, transmission history,
artifacts, enrollment tokens, sessions, operator users and permissions,
provisioning keys, recording assignments and recordings, plus the
process-wide system flags. All data is serialized as JSON, one bucket per
entity, keyed by the entity's natural id (append-only history buckets use
the bucket sequence as an auto id so keys sort chronologically).

# Transactions

bbolt gives exactly the concurrency model the controller needs: one
exclusive writer and MVCC readers against a single file.

  - WithWrite(fn) runs fn inside the write transaction. fn runs to
    completion or the entire effect is rolled back. Callers serialize on a
    writer gate and fail with ErrBusy after a 5 s acquisition timeout.
  - WithRead(fn) runs fn inside a read-only transaction, concurrently with
    other readers and with the writer.

The writer gate is the sole mechanism preventing duplicate challenge
assignment; procedures that select-and-mark run entirely inside one
WithWrite call and never need optimistic retries.

# Invariants

Enforced on every put, returning ErrInvariant on violation:

  - a challenge is assigned iff it has an owner iff it has an assignment
    expiry; a challenge is disabled iff its enabled flag is false
  - agent ids and kinds are well formed; challenge names are unique
  - artifact metadata cannot be deleted while a challenge references the
    hash (ErrConflict)

# Errors

Procedures return the typed sentinels ErrNotFound, ErrConflict,
ErrInvariant and ErrBusy wrapped with context; match with errors.Is.
*/
package storage
