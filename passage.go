package d3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// DefaultBibleID is the version the app falls back to when none is chosen.
const DefaultBibleID = 2692

// ============================================================================
// PassageClient
// ============================================================================

// PassageClient is a PassageSource backed by the app's verses route, which
// resolves a reference against the Bible API and returns passage HTML.
type PassageClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ PassageSource = (*PassageClient)(nil)

// NewPassageClient creates a client for the app at baseURL. limit caps
// outgoing requests per second; zero means unlimited.
func NewPassageClient(baseURL string, httpClient *http.Client, limit rate.Limit) *PassageClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if limit <= 0 {
		limit = rate.Inf
	}
	return &PassageClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type versesResponse struct {
	Ref        string `json:"ref"`
	BibleID    int    `json:"bibleId"`
	YouVersion struct {
		ID        string  `json:"id"`
		Reference *string `json:"reference"`
		Content   *string `json:"content"`
	} `json:"youversion"`
}

// ReadPassage fetches the HTML for ref in the given version.
func (c *PassageClient) ReadPassage(ctx context.Context, bibleID int, ref string) (Passage, error) {
	const op = "read passage"
	if err := c.limiter.Wait(ctx); err != nil {
		return Passage{}, &RemoteError{Kind: KindUnknown, Op: op, Err: err}
	}

	q := url.Values{"ref": {ref}, "bibleId": {strconv.Itoa(bibleID)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/youversion/verses?"+q.Encode(), nil)
	if err != nil {
		return Passage{}, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Passage{}, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Passage{}, classifyTransport(op, err)
	}
	if resp.StatusCode >= 300 {
		return Passage{}, classifyStatus(op, resp.StatusCode, data)
	}

	var body versesResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Passage{}, &RemoteError{Kind: KindUnknown, Op: op, Err: err}
	}
	if body.YouVersion.Content == nil {
		return Passage{}, &RemoteError{Kind: KindUnknown, Op: op, Message: "response missing youversion.content"}
	}
	p := Passage{BibleID: bibleID, Ref: ref, Reference: ref, HTML: *body.YouVersion.Content}
	if body.YouVersion.Reference != nil && *body.YouVersion.Reference != "" {
		p.Reference = *body.YouVersion.Reference
	}
	return p, nil
}
