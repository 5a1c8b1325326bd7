/*
Package types defines the core data structures used throughout ChallengeCtl.

This package contains all fundamental types that represent the controller's
domain model: agents, challenges, transmissions, artifacts, enrollment
tokens, sessions, operator users, provisioning keys, recording assignments
and recordings. These types are used by all other packages for state
management, API responses, and scheduling logic.

All types are designed to be:
  - Serializable (JSON for storage and API, YAML for config import)
  - Owned by the store (runtime holders keep only identifiers and
    short-lived snapshots)
  - Self-documenting (string-typed status constants, clear field names)

Credential material (bcrypt hashes, encrypted TOTP secrets) is excluded
from JSON rendering with `json:"-"`; the storage layer serializes those
fields through dedicated envelope types.
*/
package types
