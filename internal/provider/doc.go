// Package provider drives speech backends behind one surface. The Manager
// keeps one backend active, falls back to the on-device backend when a
// network backend fails, adopts preloaded utterances, and drops events
// that belong to superseded operations.
package provider
