package domain

import "time"

// Reader status bits as reported by SCardGetStatusChange. Only these three are
// interpreted; every other bit is carried through untouched.
const (
	FlagChanged uint32 = 0x02
	FlagEmpty   uint32 = 0x10
	FlagPresent uint32 = 0x20
)

type ReaderStatus struct {
	Reader       string `json:"reader"`
	CurrentFlags uint32 `json:"currentFlags"`
	EventFlags   uint32 `json:"eventFlags"`
	Atr          []byte `json:"atr,omitempty"`
}

type CardEventType string

const (
	CardInserted       CardEventType = "inserted"
	CardEjected        CardEventType = "ejected"
	ReaderDisconnected CardEventType = "disconnected"
)

// CardEvent is produced by the presence monitor. UID is empty when the
// identifier could not be read; that is not an error.
type CardEvent struct {
	Type   CardEventType `json:"type"`
	Reader string        `json:"reader"`
	UID    string        `json:"uid,omitempty"`
	Atr    []byte        `json:"atr,omitempty"`
	Time   time.Time     `json:"time"`
}

func (e CardEvent) HasUID() bool {
	return e.UID != ""
}

type MonitorState string

const (
	MonitorUnwatched MonitorState = "unwatched"
	MonitorWatching  MonitorState = "watching"
	MonitorStopped   MonitorState = "stopped"
)

type CardMonitorService interface {
	Start(readerID string) error
	Stop()
	State() MonitorState
	Status() ReaderStatus
	Subscribe() (<-chan CardEvent, func())
}
