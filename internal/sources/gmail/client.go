// Package gmail searches the user's mailbox for messages from or about the
// entities an event mentions.
package gmail

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	me            = "me"
	fetchParallel = 4
)

// Message is the header summary a context item is built from
type Message struct {
	ID       string
	ThreadID string
	FromName string
	FromAddr string
	Subject  string
	Snippet  string
	Date     time.Time
}

// Client reads the authenticated user's mailbox
type Client struct {
	messages *gmail.UsersMessagesService
}

// NewClient builds a Gmail client. opts carry the OAuth token source, or
// an endpoint and HTTP client in tests.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &Client{messages: svc.Users.Messages}, nil
}

// Search runs a Gmail query and fetches metadata for each hit, a few
// at a time. Results keep the list order.
func (c *Client) Search(ctx context.Context, query string, maxResults int64) ([]Message, error) {
	list := c.messages.List(me).Q(query)
	if maxResults > 0 {
		list = list.MaxResults(maxResults)
	}
	resp, err := list.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list %q: %w", query, err)
	}

	out := make([]Message, len(resp.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, ref := range resp.Messages {
		g.Go(func() error {
			msg, err := c.messages.Get(me, ref.Id).
				Format("metadata").
				MetadataHeaders("From", "Subject", "Date").
				Context(gctx).
				Do()
			if err != nil {
				return fmt.Errorf("gmail get %s: %w", ref.Id, err)
			}
			out[i] = summarize(msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// summarize falls back to the internal timestamp when the Date header
// is missing or unparseable.
func summarize(msg *gmail.Message) Message {
	m := Message{ID: msg.Id, ThreadID: msg.ThreadId, Snippet: msg.Snippet}

	var headers []*gmail.MessagePartHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, "From"):
			m.FromName, m.FromAddr = splitFrom(h.Value)
		case strings.EqualFold(h.Name, "Subject"):
			m.Subject = h.Value
		case strings.EqualFold(h.Name, "Date"):
			if t, err := mail.ParseDate(h.Value); err == nil {
				m.Date = t
			}
		}
	}

	if m.Date.IsZero() && msg.InternalDate > 0 {
		m.Date = time.UnixMilli(msg.InternalDate)
	}
	return m
}

// splitFrom returns display name and lowercased address. A header
// net/mail cannot parse is returned whole as the address.
func splitFrom(v string) (name, addr string) {
	a, err := mail.ParseAddress(v)
	if err != nil {
		return "", strings.TrimSpace(v)
	}
	return a.Name, strings.ToLower(a.Address)
}
