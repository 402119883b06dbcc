// Package model holds the data types shared by every component of the
// scheduler: tasks, nodes and task status. None of these types know how
// to persist themselves; that's the store package's job.
package model

import "github.com/tilde-lab/yascheduler/meta"

// Status is a Task's position in its lifecycle. The zero value is ToDo,
// matching the DB schema's STATUS_TO_DO=0 encoding.
type Status int

const (
	// ToDo tasks have not yet been dispatched to a node.
	ToDo Status = iota
	// Running tasks have an engine process spawned on IP.
	Running
	// Done tasks have had their liveness probe go negative and output
	// collection attempted.
	Done
)

func (s Status) String() string {
	switch s {
	case ToDo:
		return "TO_DO"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Task is one submitted unit of work.
type Task struct {
	ID       int64
	Label    string
	Metadata meta.Document
	IP       string // empty until assigned
	Status   Status
}

// Engine returns the value of the reserved "engine" metadata key.
func (t *Task) Engine() (string, bool) {
	return t.Metadata.GetString("engine")
}

// RemoteFolder returns the value of the reserved "remote_folder" key.
func (t *Task) RemoteFolder() (string, bool) {
	return t.Metadata.GetString("remote_folder")
}

// LocalFolder returns the value of the reserved "local_folder" key.
func (t *Task) LocalFolder() (string, bool) {
	return t.Metadata.GetString("local_folder")
}

// WebhookURL returns the value of the reserved "webhook_url" key.
func (t *Task) WebhookURL() (string, bool) {
	return t.Metadata.GetString("webhook_url")
}
