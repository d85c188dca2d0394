package protocol

// CREATE_ROOM (client -> server, POST /v1/rooms)
type CreateRoomReq struct {
	ID            string `json:"id,omitempty"`
	CreatorID     string `json:"creator_id"`
	InviteeID     string `json:"invitee_id"`
	StartAt       string `json:"start_at,omitempty"`
	DurationHours int    `json:"duration_hours,omitempty"`
}

// ROOM (server -> client)
type RoomStatusMsg struct {
	Type             string                 `json:"type"`
	ProtocolVersion  string                 `json:"protocol_version"`
	RoomID           string                 `json:"room_id"`
	CreatorID        string                 `json:"creator_id"`
	InviteeID        string                 `json:"invitee_id"`
	StartAt          string                 `json:"start_at"`
	EndAt            string                 `json:"end_at"`
	Phase            string                 `json:"phase"`
	Lock             string                 `json:"lock"`
	Bucket           string                 `json:"bucket"`
	SecondsRemaining int                    `json:"seconds_remaining"`
	LastSettled      string                 `json:"last_settled,omitempty"`
	Remaining        map[string]int         `json:"remaining"`
	Threats          map[string]map[int]int `json:"threats,omitempty"`
	Role             string                 `json:"role,omitempty"`
	Team             string                 `json:"team,omitempty"`
	Cells            []CellMsg              `json:"cells"`
}

// SUBMIT_ALLOCATIONS (client -> server). The body replaces the team's whole
// allocation map for the bucket; absent cells are zero.
type SubmitAllocationsReq struct {
	Type            string      `json:"type,omitempty"`
	ProtocolVersion string      `json:"protocol_version,omitempty"`
	RoomID          string      `json:"room_id,omitempty"`
	Bucket          string      `json:"bucket,omitempty"`
	Team            string      `json:"team,omitempty"`
	Allocations     map[int]int `json:"allocations"`
}

// SUBMIT_RESULT (server -> client)
type SubmitAllocationsResp struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	OK              bool        `json:"ok"`
	Code            string      `json:"code,omitempty"`
	Message         string      `json:"message,omitempty"`
	RoomID          string      `json:"room_id"`
	Bucket          string      `json:"bucket"`
	Team            string      `json:"team"`
	Applied         map[int]int `json:"applied,omitempty"`
	Remaining       int         `json:"remaining"`
}

type CellMsg struct {
	Index int    `json:"index"`
	Owner string `json:"owner"`
	HPNow int    `json:"hp_now"`
	HPMax int    `json:"hp_max"`
}

// BOARD (server -> client). Settled is false when the bucket has not been
// settled yet; Cells is then empty.
type BoardMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	RoomID          string    `json:"room_id"`
	Bucket          string    `json:"bucket"`
	Settled         bool      `json:"settled"`
	Digest          string    `json:"digest,omitempty"`
	Cells           []CellMsg `json:"cells"`
}

type CaptureMsg struct {
	Cell  int    `json:"cell"`
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause"`
}

// SUMMARY (server -> client)
type SummaryMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	RoomID          string                 `json:"room_id"`
	Bucket          string                 `json:"bucket"`
	Seed            int64                  `json:"seed,omitempty"`
	Spent           map[string]map[int]int `json:"spent"`
	Refunded        map[string]int         `json:"refunded,omitempty"`
	Captures        []CaptureMsg           `json:"captures,omitempty"`
}

// SETTLED (server -> client, websocket push)
type SettledMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RoomID          string `json:"room_id"`
	Bucket          string `json:"bucket"`
	Next            string `json:"next"`
	Digest          string `json:"digest"`
	Settlements     int    `json:"settlements"`
}

// HISTORY (server -> client). Summaries are oldest first; NextBucket is
// the cursor for the following page, empty at the end.
type HistoryMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	RoomID          string       `json:"room_id"`
	Summaries       []SummaryMsg `json:"summaries"`
	NextBucket      string       `json:"next_bucket,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
