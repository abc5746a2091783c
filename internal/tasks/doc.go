// Package tasks implements the persisted task scheduler: a registry of
// named callbacks, a human-editable definition store, a scheduler that
// turns definitions into live timers, and a manager that keeps store
// and scheduler consistent under runtime mutation.
package tasks
