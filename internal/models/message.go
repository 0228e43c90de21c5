package models

import "time"

// SystemMessageType classifies a RawMessage's Service Broker message type.
type SystemMessageType int

const (
	// SystemMessageNone marks a data message, not a system message.
	SystemMessageNone SystemMessageType = iota
	SystemMessageEndDialog
	SystemMessageError
	SystemMessageDialogTimer
	SystemMessageOther
)

func (t SystemMessageType) String() string {
	switch t {
	case SystemMessageEndDialog:
		return "EndDialog"
	case SystemMessageError:
		return "Error"
	case SystemMessageDialogTimer:
		return "DialogTimer"
	case SystemMessageOther:
		return "Other"
	default:
		return "None"
	}
}

// RawMessage is the unparsed payload handed off by QueueDequeuer after a
// single RECEIVE call. It is immutable once constructed.
type RawMessage struct {
	ConversationHandle  string
	MessageTypeName     string
	MessageBody         string
	EnqueuedAt          time.Time
	SequenceNumber      *int64
	Priority            *int
	ServiceName         string
	ContractName        string
	ConversationGroupID string
	ReceivedAt          time.Time
	WorkerID            int64
}

// ChangeType enumerates the row-level operations a ChangeEvent can carry.
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "INSERT"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// ChangeEvent is the typed, application-facing representation of a data
// message parsed out of a RawMessage body.
type ChangeEvent struct {
	EventID            string
	TableName          string
	ChangeType         ChangeType
	EventTime          time.Time
	ReceivedTime       time.Time
	RawRecord          map[string]interface{}
	TypedRecord        interface{}
	ConversationHandle string
	MessageTypeName    string
}
