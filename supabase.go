package d3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	tableResponses   = "passage_responses"
	tableCompletions = "week_completions"
	tableMemberships = "group_memberships"

	responsesConflict   = "group_id,user_id,week_number,passage_key,response_key"
	completionsConflict = "group_id,user_id,week_number"
	membershipSelect    = "group_id,role,group:groups(id,name,start_date,timezone)"
)

// ============================================================================
// SupabaseClient
// ============================================================================

// SupabaseClient is a Remote backed by the project's PostgREST API.
type SupabaseClient struct {
	baseURL     string
	anonKey     string
	accessToken string
	httpClient  *http.Client
}

var _ Remote = (*SupabaseClient)(nil)

type SupabaseOption func(*SupabaseClient)

func WithTimeout(timeout time.Duration) SupabaseOption {
	return func(c *SupabaseClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) SupabaseOption {
	return func(c *SupabaseClient) { c.httpClient = client }
}

// WithAccessToken authenticates requests as a signed-in user. Without it the
// anon key is sent as the bearer token and row-level security applies to the
// anonymous role.
func WithAccessToken(token string) SupabaseOption {
	return func(c *SupabaseClient) { c.accessToken = token }
}

// NewSupabaseClient creates a client for the project at baseURL.
func NewSupabaseClient(baseURL, anonKey string, opts ...SupabaseOption) *SupabaseClient {
	c := &SupabaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAccessToken replaces the user token, e.g. after a refresh.
func (c *SupabaseClient) SetAccessToken(token string) {
	c.accessToken = token
}

// ============================================================================
// Internal request helper
// ============================================================================

// postgrestError is the PostgREST error body.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *SupabaseClient) doRequest(ctx context.Context, op, method, path string, query url.Values, body any, prefer string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.anonKey)
	token := c.accessToken
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(op, resp.StatusCode, data)
	}
	return data, nil
}

// classifyTransport maps a failed round trip. Everything the transport
// returns is a connectivity problem except an explicit cancellation.
func classifyTransport(op string, err error) *RemoteError {
	if errors.Is(err, context.Canceled) {
		return &RemoteError{Kind: KindUnknown, Op: op, Err: err}
	}
	return networkError(op, err)
}

// classifyStatus maps an HTTP error response. Gateway and throttling
// statuses are transient; other 4xx are rejections; the rest is unknown.
func classifyStatus(op string, status int, body []byte) *RemoteError {
	re := &RemoteError{Op: op, Status: status}
	var pe postgrestError
	if json.Unmarshal(body, &pe) == nil && (pe.Message != "" || pe.Code != "") {
		re.Code = pe.Code
		re.Message = pe.Message
		if pe.Details != "" {
			re.Message += ": " + pe.Details
		}
	} else {
		re.Message = strings.TrimSpace(string(body))
		if re.Message == "" {
			re.Message = http.StatusText(status)
		}
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests,
		status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		re.Kind = KindNetwork
	case status >= 400 && status < 500:
		re.Kind = KindRejected
	default:
		re.Kind = KindUnknown
	}
	return re
}

func eq(v string) string { return "eq." + v }

// ============================================================================
// Writes
// ============================================================================

func (c *SupabaseClient) UpsertResponse(ctx context.Context, p ResponsePayload) error {
	q := url.Values{"on_conflict": {responsesConflict}}
	_, err := c.doRequest(ctx, "upsert response", http.MethodPost, "/rest/v1/"+tableResponses, q,
		[]ResponsePayload{p}, "resolution=merge-duplicates,return=minimal")
	return err
}

func (c *SupabaseClient) UpsertWeekCompletion(ctx context.Context, p WeekCompletionPayload) error {
	q := url.Values{"on_conflict": {completionsConflict}}
	_, err := c.doRequest(ctx, "upsert week completion", http.MethodPost, "/rest/v1/"+tableCompletions, q,
		[]WeekCompletionPayload{p}, "resolution=merge-duplicates,return=minimal")
	return err
}

// DeleteWeekCompletion succeeds when no row matches.
func (c *SupabaseClient) DeleteWeekCompletion(ctx context.Context, k WeekKey) error {
	q := url.Values{
		"group_id":    {eq(k.GroupID)},
		"user_id":     {eq(k.UserID)},
		"week_number": {eq(strconv.Itoa(k.WeekNumber))},
	}
	_, err := c.doRequest(ctx, "delete week completion", http.MethodDelete, "/rest/v1/"+tableCompletions, q,
		nil, "return=minimal")
	return err
}

// ============================================================================
// Reads
// ============================================================================

type membershipRow struct {
	GroupID string        `json:"group_id"`
	Role    string        `json:"role"`
	Group   embeddedGroup `json:"group"`
}

// ReadMembership returns ErrNotFound when the user is not in the group.
func (c *SupabaseClient) ReadMembership(ctx context.Context, groupID, userID string) (GroupContext, error) {
	q := url.Values{
		"select":   {membershipSelect},
		"group_id": {eq(groupID)},
		"user_id":  {eq(userID)},
		"limit":    {"1"},
	}
	data, err := c.doRequest(ctx, "read membership", http.MethodGet, "/rest/v1/"+tableMemberships, q, nil, "")
	if err != nil {
		return GroupContext{}, err
	}
	rows, err := decodeJSON[[]membershipRow](data)
	if err != nil {
		return GroupContext{}, &RemoteError{Kind: KindUnknown, Op: "read membership", Err: err}
	}
	if len(*rows) == 0 {
		return GroupContext{}, fmt.Errorf("membership %s/%s: %w", groupID, userID, ErrNotFound)
	}
	row := (*rows)[0]
	g := Group(row.Group)
	if g.ID == "" {
		g.ID = groupID
	}
	return GroupContext{GroupID: groupID, UserID: userID, Role: row.Role, Group: g}, nil
}

func (c *SupabaseClient) ReadMemberships(ctx context.Context, userID string) (Memberships, error) {
	q := url.Values{
		"select":  {membershipSelect},
		"user_id": {eq(userID)},
	}
	data, err := c.doRequest(ctx, "read memberships", http.MethodGet, "/rest/v1/"+tableMemberships, q, nil, "")
	if err != nil {
		return Memberships{}, err
	}
	rows, err := decodeJSON[[]membershipRow](data)
	if err != nil {
		return Memberships{}, &RemoteError{Kind: KindUnknown, Op: "read memberships", Err: err}
	}
	out := Memberships{UserID: userID, Items: make([]Membership, 0, len(*rows))}
	for _, row := range *rows {
		g := Group(row.Group)
		id := row.GroupID
		if id == "" {
			id = g.ID
		}
		out.Items = append(out.Items, Membership{GroupID: id, Role: row.Role, Group: g})
	}
	return out, nil
}

type responseRow struct {
	PassageKey   string  `json:"passage_key"`
	ResponseKey  string  `json:"response_key"`
	ResponseText *string `json:"response_text"`
}

func (c *SupabaseClient) ReadResponses(ctx context.Context, k WeekKey) (WeekResponses, error) {
	q := url.Values{
		"select":      {"passage_key,response_key,response_text"},
		"group_id":    {eq(k.GroupID)},
		"user_id":     {eq(k.UserID)},
		"week_number": {eq(strconv.Itoa(k.WeekNumber))},
	}
	data, err := c.doRequest(ctx, "read responses", http.MethodGet, "/rest/v1/"+tableResponses, q, nil, "")
	if err != nil {
		return WeekResponses{}, err
	}
	rows, err := decodeJSON[[]responseRow](data)
	if err != nil {
		return WeekResponses{}, &RemoteError{Kind: KindUnknown, Op: "read responses", Err: err}
	}
	out := WeekResponses{WeekKey: k, Cells: make(map[CellKey]string, len(*rows))}
	for _, row := range *rows {
		text := ""
		if row.ResponseText != nil {
			text = *row.ResponseText
		}
		out.Cells[CellKey{PassageKey: row.PassageKey, ResponseKey: row.ResponseKey}] = text
	}
	return out, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
