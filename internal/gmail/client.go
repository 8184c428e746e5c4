package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxsync/internal/instrumentation"
)

// maxPageSize is the largest page the Gmail API returns for messages.list.
const maxPageSize = 500

var metadataHeaders = []string{"From", "Subject", "Date"}

// Message is the metadata kept for a synced message.
type Message struct {
	ID           string
	ThreadID     string
	HistoryID    uint64
	InternalDate time.Time
	From         string
	Subject      string
	Labels       []string
	SizeEstimate int64
	Snippet      string
}

// Client wraps the Gmail Users service for one account.
type Client struct {
	svc     *gmail.UsersService
	account string
	metrics *instrumentation.Metrics
}

// NewClient creates a client for account. Pass option.WithHTTPClient with an
// authenticated client.
func NewClient(ctx context.Context, account string, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc.Users, account: account}, nil
}

// Account returns the account name this client is associated with
func (c *Client) Account() string {
	return c.account
}

// WithMetrics records Google API metrics for every call.
func (c *Client) WithMetrics(m *instrumentation.Metrics) *Client {
	c.metrics = m
	return c
}

// ListMessageIDs returns up to maxResults message IDs matching the query,
// newest first, making multiple API calls if necessary.
func (c *Client) ListMessageIDs(ctx context.Context, query string, maxResults int) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		remaining := maxResults - len(ids)
		if remaining <= 0 {
			break
		}
		pageSize := min(remaining, maxPageSize)

		req := c.svc.Messages.List("me").Q(query).MaxResults(int64(pageSize)).Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var res *gmail.ListMessagesResponse
		err := c.observe(ctx, instrumentation.OperationList, func() (err error) {
			res, err = req.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}

		for _, m := range res.Messages {
			ids = append(ids, m.Id)
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

// GetMessageMeta fetches the metadata of one message.
func (c *Client) GetMessageMeta(ctx context.Context, id string) (*Message, error) {
	var m *gmail.Message
	err := c.observe(ctx, instrumentation.OperationGet, func() (err error) {
		m, err = c.svc.Messages.Get("me", id).Format("metadata").MetadataHeaders(metadataHeaders...).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return messageFromAPI(m), nil
}

func (c *Client) observe(ctx context.Context, operation string, call func() error) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceGmail, operation)
	defer span.End()

	start := time.Now()
	err := call()
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	c.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceGmail, operation, status, time.Since(start))
	return err
}

func messageFromAPI(m *gmail.Message) *Message {
	msg := &Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		HistoryID:    m.HistoryId,
		InternalDate: time.UnixMilli(m.InternalDate).UTC(),
		Labels:       m.LabelIds,
		SizeEstimate: m.SizeEstimate,
		Snippet:      m.Snippet,
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				msg.From = h.Value
			case "subject":
				msg.Subject = h.Value
			}
		}
	}
	return msg
}
