package intercom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a closed time interval [Start, End] that scopes one sync run.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds are required")
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s is before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Key identifies the window in the checkpoint table. Bounds are truncated to
// whole seconds, which is the resolution of the remote search filter.
func (w Window) Key() string {
	return w.Start.UTC().Truncate(time.Second).Format(time.RFC3339) + "/" + w.End.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Page is one response of the search cursor chain. A nil NextCursor ends the window.
type Page struct {
	Conversations []Conversation
	NextCursor    *string
	TotalCount    int
	// Attempts is the number of HTTP attempts the page took, including retries.
	Attempts int
}

// FlexString accepts ids that the API sends either as JSON strings or numbers.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*s = FlexString(num.String())
		return nil
	}
	return fmt.Errorf("invalid id: %s", raw)
}

func (s FlexString) String() string { return string(s) }

type Conversation struct {
	Type              string         `json:"type"`
	ID                FlexString     `json:"id"`
	CreatedAt         int64          `json:"created_at"`
	UpdatedAt         int64          `json:"updated_at"`
	State             string         `json:"state"`
	Title             string         `json:"title"`
	AdminAssigneeID   FlexString     `json:"admin_assignee_id"`
	Source            *Source        `json:"source"`
	Contacts          *ContactList   `json:"contacts"`
	Tags              *TagList       `json:"tags"`
	Statistics        *Statistics    `json:"statistics"`
	ConversationParts *PartList      `json:"conversation_parts"`
	Teammates         *TeammateList  `json:"teammates"`
	CustomAttributes  map[string]any `json:"custom_attributes"`
}

type Source struct {
	Type        string       `json:"type"`
	ID          FlexString   `json:"id"`
	DeliveredAs string       `json:"delivered_as"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	URL         string       `json:"url"`
	Author      *Author      `json:"author"`
	Attachments []Attachment `json:"attachments"`
}

type Author struct {
	Type  string     `json:"type"`
	ID    FlexString `json:"id"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
}

type Attachment struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type ContactList struct {
	Contacts []ContactRef `json:"contacts"`
}

type ContactRef struct {
	Type       string     `json:"type"`
	ID         FlexString `json:"id"`
	ExternalID string     `json:"external_id"`
}

type TeammateList struct {
	Admins []Author `json:"admins"`
}

type TagList struct {
	Tags []Tag `json:"tags"`
}

type Tag struct {
	ID   FlexString `json:"id"`
	Name string     `json:"name"`
}

type Statistics struct {
	FirstContactReplyAt *int64 `json:"first_contact_reply_at"`
	FirstAdminReplyAt   *int64 `json:"first_admin_reply_at"`
	FirstCloseAt        *int64 `json:"first_close_at"`
	LastCloseAt         *int64 `json:"last_close_at"`
	LastAdminReplyAt    *int64 `json:"last_admin_reply_at"`
}

type PartList struct {
	Parts      []Part `json:"conversation_parts"`
	TotalCount int    `json:"total_count"`
}

type Part struct {
	Type        string       `json:"type"`
	ID          FlexString   `json:"id"`
	PartType    string       `json:"part_type"`
	Body        string       `json:"body"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
	Author      *Author      `json:"author"`
	Attachments []Attachment `json:"attachments"`
}

// Me is the subset of GET /me used for connection checks and conversation links.
type Me struct {
	Type  string     `json:"type"`
	ID    FlexString `json:"id"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
	App   *struct {
		IDCode string `json:"id_code"`
		Name   string `json:"name"`
	} `json:"app"`
}

type searchRequest struct {
	Query      searchQuery      `json:"query"`
	Pagination searchPagination `json:"pagination"`
}

type searchQuery struct {
	Operator string        `json:"operator"`
	Value    []searchQuery `json:"value,omitempty"`
	Field    string        `json:"field,omitempty"`
	Compare  any           `json:"-"`
}

func (q searchQuery) MarshalJSON() ([]byte, error) {
	if q.Field == "" {
		return json.Marshal(struct {
			Operator string        `json:"operator"`
			Value    []searchQuery `json:"value"`
		}{q.Operator, q.Value})
	}
	return json.Marshal(struct {
		Field    string `json:"field"`
		Operator string `json:"operator"`
		Value    any    `json:"value"`
	}{q.Field, q.Operator, q.Compare})
}

type searchPagination struct {
	PerPage       int     `json:"per_page"`
	StartingAfter *string `json:"starting_after,omitempty"`
}

type searchResponse struct {
	Type          string          `json:"type"`
	Conversations *[]Conversation `json:"conversations"`
	TotalCount    int             `json:"total_count"`
	Pages         *struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		TotalPages int `json:"total_pages"`
		Next       *struct {
			Page          int    `json:"page"`
			StartingAfter string `json:"starting_after"`
		} `json:"next"`
	} `json:"pages"`
}

func windowQuery(w Window) searchQuery {
	return searchQuery{
		Operator: "AND",
		Value: []searchQuery{
			{Field: "updated_at", Operator: ">", Compare: w.Start.Unix() - 1},
			{Field: "updated_at", Operator: "<", Compare: w.End.Unix() + 1},
		},
	}
}

func unixSeconds(raw string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
