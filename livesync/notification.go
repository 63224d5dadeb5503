package livesync

const (
	KindDataUpdate      = "data-update"
	KindRefreshRequired = "refresh-required"
	KindSystemMessage   = "system-message"

	// client -> server, advisory only
	KindRequestRefresh = "request-refresh"
)

// the universal entity. invalidates every partition.
const EntityAll = "all"

// server -> client push message. entity names are free-form and are not
// guaranteed to match client partition names, see AliasTable.
type ChangeNotification struct {
	Kind      string `json:"type"`
	Entity    string `json:"entity,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type RefreshRequest struct {
	Kind   string `json:"type"`
	Entity string `json:"entity"`
}
