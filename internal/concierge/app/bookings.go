package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stayflow/concierge/internal/concierge/staycontext"
)

// bookingClient looks bookings up from the booking collaborator's read API.
// It implements staycontext.BookingSource; caching and degradation live in
// the staycontext resolver, not here.
type bookingClient struct {
	base string
	http *http.Client
}

func newBookingClient(base string, timeout time.Duration) *bookingClient {
	return &bookingClient{base: base, http: &http.Client{Timeout: timeout}}
}

type bookingResponse struct {
	RoomNumber string    `json:"room_number"`
	CheckIn    time.Time `json:"check_in"`
	CheckOut   time.Time `json:"check_out"`
	Active     bool      `json:"is_active"`
}

// Lookup returns the guest's current booking, (nil, nil) when none exists.
func (c *bookingClient) Lookup(ctx context.Context, tenantID, guestPhone string) (*staycontext.Booking, error) {
	u := fmt.Sprintf("%s/v1/tenants/%s/bookings?phone=%s",
		c.base, url.PathEscape(tenantID), url.QueryEscape(guestPhone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("booking lookup: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("booking lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, nil
	default:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("booking lookup: unexpected status %d", resp.StatusCode)
	}

	var out bookingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("booking lookup: decode: %w", err)
	}
	return &staycontext.Booking{
		RoomNumber: out.RoomNumber,
		CheckIn:    out.CheckIn,
		CheckOut:   out.CheckOut,
		Active:     out.Active,
	}, nil
}
