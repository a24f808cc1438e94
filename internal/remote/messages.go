package remote

import (
	"encoding/json"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
)

// InitMessage is the first frame sent after the websocket connects.
type InitMessage struct {
	Op     string   `json:"op"`
	Token  string   `json:"token"`
	Device string   `json:"device"`
	Types  []string `json:"types,omitempty"`
}

// InitResponse is the server's answer to init.
type InitResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// PushMessage asks the server to apply one change.
type PushMessage struct {
	Op  string `json:"op"`
	RID uint64 `json:"rid"`
	PushRequest
}

// PullMessage asks for deltas after a version.
type PullMessage struct {
	Op         string `json:"op"`
	RID        uint64 `json:"rid"`
	EntityType string `json:"entity_type"`
	Since      int64  `json:"since"`
	Limit      int    `json:"limit"`
}

// PingMessage is a heartbeat. Probe sets RID; idle heartbeats do not.
type PingMessage struct {
	Op  string `json:"op"`
	RID uint64 `json:"rid,omitempty"`
}

// RemoteEntity is the server's current version of an entity, sent with
// a conflict response.
type RemoteEntity struct {
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Response answers a push or pull request.
//
// Res is "ok", "conflict" or "err". For "err", Retry tells the client
// whether the failure is transient.
type Response struct {
	RID     uint64               `json:"rid"`
	Res     string               `json:"res"`
	Version int64                `json:"version,omitempty"`
	Current *RemoteEntity        `json:"current,omitempty"`
	Deltas  []models.RemoteDelta `json:"deltas,omitempty"`
	Code    string               `json:"code,omitempty"`
	Msg     string               `json:"msg,omitempty"`
	Retry   bool                 `json:"retry,omitempty"`
}

// DeltaMessage is a server-initiated change notification.
type DeltaMessage struct {
	Op    string             `json:"op"`
	Delta models.RemoteDelta `json:"delta"`
}
