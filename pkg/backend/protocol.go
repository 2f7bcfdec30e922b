package backend

import "encoding/json"

// Phoenix channel events used by the Realtime service.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventPresence  = "presence_state"
	eventDiff      = "presence_diff"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []postgresChangeSpec `json:"postgres_changes,omitempty"`
	Presence        *presenceConfig      `json:"presence,omitempty"`
}

type postgresChangeSpec struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type changesPayload struct {
	IDs  []int64 `json:"ids,omitempty"`
	Data struct {
		Schema          string          `json:"schema"`
		Table           string          `json:"table"`
		Type            string          `json:"type"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type presenceDiffPayload struct {
	Joins  map[string]json.RawMessage `json:"joins"`
	Leaves map[string]json.RawMessage `json:"leaves"`
}
