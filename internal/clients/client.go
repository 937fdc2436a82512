// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"librarydesk/internal/actor"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/httpapi"
	"librarydesk/internal/web"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
}

// Client calls the librarydesk HTTP API on behalf of one caller. The caller
// is sent in the identity headers an authenticating proxy would set.
type Client struct {
	baseURL string
	http    *http.Client
	actor   actor.Context
}

func NewClient(baseURL string, httpClient *http.Client, a actor.Context) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient, actor: a}
}

// As returns a client sharing the transport but acting as a.
func (c *Client) As(a actor.Context) *Client {
	return &Client{baseURL: c.baseURL, http: c.http, actor: a}
}

func (c *Client) CreateBook(ctx context.Context, in catalog.BookInput) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", in, http.StatusCreated, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodGet, "/books/"+id.String(), nil, http.StatusOK, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) SubmitRequest(ctx context.Context, bookID uuid.UUID) (*circulation.Borrow, error) {
	req := struct {
		BookID uuid.UUID `json:"book_id"`
	}{BookID: bookID}

	var b circulation.Borrow
	if err := c.do(ctx, http.MethodPost, "/borrows", req, http.StatusCreated, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Approve(ctx context.Context, borrowID uuid.UUID) (*circulation.Borrow, error) {
	return c.borrowOp(ctx, http.MethodPost, borrowID, "/approve", nil)
}

func (c *Client) Reject(ctx context.Context, borrowID uuid.UUID) (*circulation.Borrow, error) {
	return c.borrowOp(ctx, http.MethodPost, borrowID, "/reject", nil)
}

func (c *Client) RequestReturn(ctx context.Context, borrowID uuid.UUID) (*circulation.Borrow, error) {
	return c.borrowOp(ctx, http.MethodPost, borrowID, "/return-request", nil)
}

func (c *Client) CancelReturnRequest(ctx context.Context, borrowID uuid.UUID) (*circulation.Borrow, error) {
	return c.borrowOp(ctx, http.MethodDelete, borrowID, "/return-request", nil)
}

func (c *Client) FinalizeReturn(ctx context.Context, borrowID uuid.UUID, condition circulation.Condition, notes string) (*circulation.Borrow, error) {
	req := struct {
		Condition circulation.Condition `json:"condition"`
		Notes     string                `json:"notes,omitempty"`
	}{Condition: condition, Notes: notes}
	return c.borrowOp(ctx, http.MethodPost, borrowID, "/return", req)
}

func (c *Client) borrowOp(ctx context.Context, method string, borrowID uuid.UUID, suffix string, body interface{}) (*circulation.Borrow, error) {
	var b circulation.Borrow
	if err := c.do(ctx, method, "/borrows/"+borrowID.String()+suffix, body, http.StatusOK, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor.UserID != uuid.Nil {
		req.Header.Set(httpapi.HeaderUserID, c.actor.UserID.String())
		if c.actor.IsStaff {
			req.Header.Set(httpapi.HeaderStaff, "true")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e web.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
