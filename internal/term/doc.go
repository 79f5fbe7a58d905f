// Package term provides terminal utilities for the approval client.
package term
