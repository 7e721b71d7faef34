package d3

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Study grid
// ============================================================================

const (
	// PassagesPerWeek is the number of reading slots (p1..p5) in a study week.
	PassagesPerWeek = 5
	// ResponsesPerPassage is the number of answer slots (r1..r4) per reading.
	ResponsesPerPassage = 4
)

// PassageKey returns the slot key for a 1-based reading index ("p1".."p5").
func PassageKey(i int) string { return fmt.Sprintf("p%d", i) }

// ResponseKey returns the slot key for a 1-based answer index ("r1".."r4").
func ResponseKey(i int) string { return fmt.Sprintf("r%d", i) }

// CellKey addresses one answer inside a study week.
type CellKey struct {
	PassageKey  string `json:"passage_key"`
	ResponseKey string `json:"response_key"`
}

func (k CellKey) String() string { return k.PassageKey + ":" + k.ResponseKey }

// ============================================================================
// Write payloads
// ============================================================================

// ResponsePayload is one free-text answer, keyed by
// (group, user, week, passage slot, response slot).
type ResponsePayload struct {
	GroupID      string `json:"group_id"`
	UserID       string `json:"user_id"`
	WeekNumber   int    `json:"week_number"`
	PassageKey   string `json:"passage_key"`
	ResponseKey  string `json:"response_key"`
	ResponseText string `json:"response_text"`
}

// Cell returns the slot address of the answer.
func (p ResponsePayload) Cell() CellKey {
	return CellKey{PassageKey: p.PassageKey, ResponseKey: p.ResponseKey}
}

// FieldKey is the natural key of the answer; it matches the remote upsert
// conflict target and is used for the local mirror and for debouncing.
func (p ResponsePayload) FieldKey() string {
	return responseCacheKey(p.GroupID, p.UserID, p.WeekNumber, p.PassageKey, p.ResponseKey)
}

func (p ResponsePayload) validate() error {
	if err := (WeekKey{GroupID: p.GroupID, UserID: p.UserID, WeekNumber: p.WeekNumber}).validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.PassageKey) == "" || strings.TrimSpace(p.ResponseKey) == "" {
		return fmt.Errorf("passage key and response key are required")
	}
	return nil
}

// WeekKey identifies one user's study week inside a group.
type WeekKey struct {
	GroupID    string `json:"group_id"`
	UserID     string `json:"user_id"`
	WeekNumber int    `json:"week_number"`
}

func (k WeekKey) validate() error {
	if strings.TrimSpace(k.GroupID) == "" {
		return fmt.Errorf("group id is required")
	}
	if strings.TrimSpace(k.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if k.WeekNumber < 1 {
		return fmt.Errorf("week number must be at least 1, got %d", k.WeekNumber)
	}
	return nil
}

// WeekCompletionPayload marks a study week as completed.
type WeekCompletionPayload struct {
	GroupID     string    `json:"group_id"`
	UserID      string    `json:"user_id"`
	WeekNumber  int       `json:"week_number"`
	CompletedAt time.Time `json:"completed_at"`
}

// Week returns the week the completion belongs to.
func (p WeekCompletionPayload) Week() WeekKey {
	return WeekKey{GroupID: p.GroupID, UserID: p.UserID, WeekNumber: p.WeekNumber}
}

// ============================================================================
// Read models
// ============================================================================

// Group is the metadata of a study group.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	Timezone  string `json:"timezone"`
}

// embeddedGroup accepts PostgREST embeds that arrive either as an object or
// as a single-element array.
type embeddedGroup Group

func (g *embeddedGroup) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var arr []Group
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		if len(arr) > 0 {
			*g = embeddedGroup(arr[0])
		}
		return nil
	}
	var one Group
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*g = embeddedGroup(one)
	return nil
}

// GroupContext is the user's role and group metadata for one group.
// CachedAt is set when the context was written to the local mirror.
type GroupContext struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	Group    Group     `json:"group"`
	CachedAt time.Time `json:"cached_at,omitempty"`
}

// IsLeader reports whether the user leads the group.
func (c GroupContext) IsLeader() bool { return c.Role == "leader" }

// Membership is one entry of a user's group list.
type Membership struct {
	GroupID string `json:"group_id"`
	Role    string `json:"role"`
	Group   Group  `json:"group"`
}

// Memberships is the list of groups a user belongs to.
type Memberships struct {
	UserID   string       `json:"user_id"`
	Items    []Membership `json:"items"`
	CachedAt time.Time    `json:"cached_at,omitempty"`
}

// Passage is scripture HTML for a (bible version, reference) pair.
type Passage struct {
	BibleID   int       `json:"bible_id"`
	Ref       string    `json:"ref"`
	Reference string    `json:"reference"`
	HTML      string    `json:"html"`
	CachedAt  time.Time `json:"cached_at,omitempty"`
}

// WeekResponses holds every answer a user has for one study week.
type WeekResponses struct {
	WeekKey
	Cells map[CellKey]string `json:"-"`
}

// Get returns the answer at (passage, response) or "".
func (w WeekResponses) Get(passageKey, responseKey string) string {
	return w.Cells[CellKey{PassageKey: passageKey, ResponseKey: responseKey}]
}

// Complete reports whether every slot of the first n readings is answered.
func (w WeekResponses) Complete(readings int) bool {
	if readings <= 0 {
		return false
	}
	if readings > PassagesPerWeek {
		readings = PassagesPerWeek
	}
	for p := 1; p <= readings; p++ {
		for r := 1; r <= ResponsesPerPassage; r++ {
			if strings.TrimSpace(w.Get(PassageKey(p), ResponseKey(r))) == "" {
				return false
			}
		}
	}
	return true
}

// ============================================================================
// Local keys
// ============================================================================

func responseCacheKey(groupID, userID string, week int, passageKey, responseKey string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", groupID, userID, week, passageKey, responseKey)
}

func weekCacheKey(k WeekKey) string {
	return fmt.Sprintf("%s:%s:%d", k.GroupID, k.UserID, k.WeekNumber)
}

func groupContextKey(userID, groupID string) string {
	return userID + ":" + groupID
}

func membershipsKey(userID string) string {
	return userID
}

func passageCacheKey(bibleID int, ref string) string {
	return fmt.Sprintf("%d:%s", bibleID, ref)
}
