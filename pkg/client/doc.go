// Package client wraps the operator REST API for CLI usage.
package client
