/*
Package log provides structured logging for ChallengeCtl built on zerolog.

Init configures the global logger once at process start (console output for
interactive use, JSON for log collection). Components obtain child loggers
via WithComponent so every line carries its origin; security-relevant paths
additionally attach agent or challenge identifiers.

Security logging convention: authentication failures are logged at warn
level with the presenting IP and a masked credential prefix. Full tokens
and TOTP codes never reach the log stream.
*/
package log
