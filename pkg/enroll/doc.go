// Package enroll binds freshly generated agent credentials to host
// identities via one-shot tokens, and implements the stateless
// provisioning flow for automated fleet bring-up.
package enroll
