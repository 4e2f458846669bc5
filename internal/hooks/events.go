package hooks

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventBinaryDiscovered     = "binary.discovered"
	EventBinaryRemoved        = "binary.removed"
	EventCatalogRefreshed     = "catalog.refreshed"
	EventInstanceCreated      = "instance.created"
	EventInstanceAdopted      = "instance.adopted"
	EventInstanceLaunchFailed = "instance.launch_failed"
	EventInstanceDeleted      = "instance.deleted"
	EventTaskSubmitted        = "task.submitted"
	EventTaskSubmitFailed     = "task.submit_failed"
)

// Event represents a hook event
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Binary    *Binary   `json:"binary,omitempty"`
	Instance  *Instance `json:"instance,omitempty"`
	Task      *Task     `json:"task,omitempty"`
	Count     *int      `json:"count,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

// Binary info for event payload
type Binary struct {
	ID   uint   `json:"id"`
	Path string `json:"path"`
}

// Instance info for event payload
type Instance struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
	Profile string `json:"profile,omitempty"`
}

// Task info for event payload
type Task struct {
	ID   uint   `json:"id"`
	Kind string `json:"kind"`
	GID  string `json:"gid,omitempty"`
}

// Error represents an error in the event payload
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates a new event with a fresh id and the current timestamp
func NewEvent(eventType, source string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

func (e *Event) WithBinary(id uint, path string) *Event {
	e.Binary = &Binary{ID: id, Path: path}
	return e
}

func (e *Event) WithInstance(pid int, command, profile string) *Event {
	e.Instance = &Instance{PID: pid, Command: command, Profile: profile}
	return e
}

func (e *Event) WithTask(id uint, kind, gid string) *Event {
	e.Task = &Task{ID: id, Kind: kind, GID: gid}
	return e
}

// WithCount records how many items the event covers, e.g. parsed arguments
func (e *Event) WithCount(n int) *Event {
	e.Count = &n
	return e
}

// WithError sets the error info
func (e *Event) WithError(code, message string) *Event {
	e.Error = &Error{Code: code, Message: message}
	return e
}
