// Package calendar searches Google Calendar for meetings near the dates
// and with the people an event mentions.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const primaryCalendar = "primary"

// Event is the subset of a calendar entry the source matches against
type Event struct {
	ID        string
	Summary   string
	Location  string
	Start     time.Time
	AllDay    bool
	Attendees []Attendee
}

// Attendee is one invitee
type Attendee struct {
	Email       string
	DisplayName string
}

// Client reads one calendar through the Calendar v3 API
type Client struct {
	events     *calendar.EventsService
	calendarID string
}

// NewClient builds a client for calendarID, or the primary calendar when
// it is empty. opts carry authentication or a test endpoint.
func NewClient(ctx context.Context, calendarID string, opts ...option.ClientOption) (*Client, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = primaryCalendar
	}
	return &Client{events: svc.Events, calendarID: calendarID}, nil
}

var errEnough = errors.New("enough events")

// ListEvents returns expanded single events starting in [from, to) in
// start order. query is Calendar's free-text search. Pages are followed
// until maxResults events are collected; zero means no cap.
func (c *Client) ListEvents(ctx context.Context, from, to time.Time, query string, maxResults int64) ([]Event, error) {
	call := c.events.List(c.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")
	if query != "" {
		call = call.Q(query)
	}
	if maxResults > 0 {
		call = call.MaxResults(maxResults)
	}

	var out []Event
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, ok := fromAPI(item)
			if !ok {
				continue
			}
			out = append(out, ev)
			if maxResults > 0 && int64(len(out)) >= maxResults {
				return errEnough
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return nil, fmt.Errorf("calendar %s: list events: %w", c.calendarID, err)
	}
	return out, nil
}

// fromAPI drops cancelled entries and entries without a usable start
func fromAPI(item *calendar.Event) (Event, bool) {
	if item.Status == "cancelled" || item.Start == nil {
		return Event{}, false
	}

	ev := Event{ID: item.Id, Summary: item.Summary, Location: item.Location}
	var err error
	switch {
	case item.Start.DateTime != "":
		ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime)
	case item.Start.Date != "":
		ev.Start, err = time.Parse(time.DateOnly, item.Start.Date)
		ev.AllDay = true
	default:
		return Event{}, false
	}
	if err != nil {
		return Event{}, false
	}

	if n := len(item.Attendees); n > 0 {
		ev.Attendees = make([]Attendee, n)
		for i, a := range item.Attendees {
			ev.Attendees[i] = Attendee{Email: a.Email, DisplayName: a.DisplayName}
		}
	}
	return ev, true
}
