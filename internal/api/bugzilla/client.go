package bugzilla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vilaca/arch-tester/internal/api"
	"github.com/vilaca/arch-tester/internal/domain"
)

const (
	// Product holding the arch-testing components.
	Product = "Gentoo Linux"

	componentStabilization = "Stabilization"
	componentKeywording    = "Keywording"

	includeFields = "id,product,component,cf_stabilisation_atoms,cc,depends_on,blocks,flags"
)

// Client implements api.Client for the Bugzilla REST API.
type Client struct {
	*api.BaseClient
}

// NewClient creates a new Bugzilla client. BaseURL is the REST root,
// e.g. "https://bugs.gentoo.org/rest".
func NewClient(config api.ClientConfig, httpClient api.HTTPClient) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{BaseClient: api.NewBaseClient(config, httpClient)}
}

// Whoami returns the login of the user owning the API key.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	var resp whoamiResponse
	if err := c.doRequest(ctx, http.MethodGet, "/whoami", nil, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	return resp.Name, nil
}

// FetchBugs retrieves the given bugs. Bugs outside the arch-testing
// components are dropped.
func (c *Client) FetchBugs(ctx context.Context, ids []int) (domain.BugMap, error) {
	if len(ids) == 0 {
		return domain.BugMap{}, nil
	}

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = strconv.Itoa(id)
	}
	query := url.Values{
		"id":             {strings.Join(idStrings, ",")},
		"include_fields": {includeFields},
		"permissive":     {"1"},
	}

	var resp bugsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/bug", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get bugs: %w", err)
	}
	return c.convertBugs(resp.Bugs, false), nil
}

// FindBugs searches open bugs of the given category, lowest id first.
// Bugs without atoms are skipped.
func (c *Client) FindBugs(ctx context.Context, category domain.Category, limit int) (domain.BugMap, error) {
	component, err := componentFor(category)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"product":        {Product},
		"component":      {component},
		"resolution":     {"---"},
		"order":          {"bug_id"},
		"include_fields": {includeFields},
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp bugsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/bug", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to find %s bugs: %w", category, err)
	}
	return c.convertBugs(resp.Bugs, true), nil
}

// UpdateStatus sets or clears the sanity-check flag and optionally comments.
func (c *Client) UpdateStatus(ctx context.Context, id int, verdict domain.SanityCheck, comment string) error {
	req := updateRequest{
		IDs:   []int{id},
		Flags: []flag{{Name: domain.SanityCheckFlag, Status: flagStatus(verdict)}},
	}
	if comment != "" {
		req.Comment = &commentBody{Body: comment}
	}

	path := fmt.Sprintf("/bug/%d", id)
	if err := c.doRequest(ctx, http.MethodPut, path, nil, req, nil); err != nil {
		return fmt.Errorf("failed to update bug %d: %w", id, err)
	}
	return nil
}

// LatestComment returns the newest comment on bug id made by author,
// with trailing whitespace removed.
func (c *Client) LatestComment(ctx context.Context, id int, author string) (string, error) {
	var resp commentsResponse
	path := fmt.Sprintf("/bug/%d/comment", id)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to get comments for bug %d: %w", id, err)
	}

	bug, ok := resp.Bugs[strconv.Itoa(id)]
	if !ok {
		return "", fmt.Errorf("bug %d: %w", id, api.ErrNotFound)
	}
	for i := len(bug.Comments) - 1; i >= 0; i-- {
		if bug.Comments[i].Creator == author {
			return strings.TrimRight(bug.Comments[i].Text, " \t\r\n"), nil
		}
	}
	return "", nil
}

// doRequest performs an HTTP request to the Bugzilla API.
// A nil result discards the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	u := c.Config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Config.APIKey != "" {
		req.Header.Set("X-BUGZILLA-API-KEY", c.Config.APIKey)
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var apiErr errorResponse
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error {
		if resp.StatusCode == http.StatusNotFound {
			return &api.StatusError{StatusCode: resp.StatusCode, Body: apiErr.Message}
		}
		return fmt.Errorf("bugzilla error %d: %s", apiErr.Code, apiErr.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &api.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// convertBugs converts Bugzilla bugs to domain bugs.
func (c *Client) convertBugs(bzBugs []bugzillaBug, requireAtoms bool) domain.BugMap {
	bugs := make(domain.BugMap, len(bzBugs))
	for _, b := range bzBugs {
		category, ok := categoryFor(b.Product, b.Component)
		if !ok {
			continue
		}
		atoms := normalizeAtoms(b.Atoms)
		if requireAtoms && strings.TrimSpace(atoms) == "" {
			continue
		}

		bugs[b.ID] = domain.Bug{
			Category:    category,
			Atoms:       atoms,
			CC:          append([]string{}, b.CC...),
			Depends:     append([]int{}, b.DependsOn...),
			Blocks:      append([]int{}, b.Blocks...),
			SanityCheck: sanityFromFlags(b.Flags),
		}
	}
	return bugs
}

func componentFor(category domain.Category) (string, error) {
	switch category {
	case domain.CategoryStableReq:
		return componentStabilization, nil
	case domain.CategoryKeywordReq:
		return componentKeywording, nil
	default:
		return "", fmt.Errorf("unknown bug category %q", category)
	}
}

func categoryFor(product, component string) (domain.Category, bool) {
	if product != Product {
		return "", false
	}
	switch component {
	case componentStabilization:
		return domain.CategoryStableReq, true
	case componentKeywording:
		return domain.CategoryKeywordReq, true
	default:
		return "", false
	}
}

// normalizeAtoms terminates every line with CRLF, as the tracker
// renders them.
func normalizeAtoms(text string) string {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return ""
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteString(domain.LineTerminator)
	}
	return b.String()
}

func sanityFromFlags(flags []flag) domain.SanityCheck {
	for _, f := range flags {
		if f.Name != domain.SanityCheckFlag {
			continue
		}
		switch f.Status {
		case "+":
			return domain.SanityPassed
		case "-":
			return domain.SanityFailed
		}
	}
	return domain.SanityUnknown
}

func flagStatus(verdict domain.SanityCheck) string {
	switch verdict {
	case domain.SanityPassed:
		return "+"
	case domain.SanityFailed:
		return "-"
	default:
		return "X"
	}
}

// Bugzilla API request and response types
type whoamiResponse struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type bugsResponse struct {
	Bugs []bugzillaBug `json:"bugs"`
}

type bugzillaBug struct {
	ID        int      `json:"id"`
	Product   string   `json:"product"`
	Component string   `json:"component"`
	Atoms     string   `json:"cf_stabilisation_atoms"`
	CC        []string `json:"cc"`
	DependsOn []int    `json:"depends_on"`
	Blocks    []int    `json:"blocks"`
	Flags     []flag   `json:"flags"`
}

type flag struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type commentBody struct {
	Body string `json:"body"`
}

type updateRequest struct {
	IDs     []int        `json:"ids"`
	Flags   []flag       `json:"flags"`
	Comment *commentBody `json:"comment,omitempty"`
}

type commentsResponse struct {
	Bugs map[string]struct {
		Comments []struct {
			Text    string `json:"text"`
			Creator string `json:"creator"`
		} `json:"comments"`
	} `json:"bugs"`
}

type errorResponse struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
