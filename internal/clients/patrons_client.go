// internal/clients/patrons_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"libracirc/internal/patrons"
)

// PatronsClient calls the patrons service over HTTP. Requests go through a
// circuit breaker so a down patrons service does not stall circulation.
type PatronsClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewPatronsClient(baseURL string) *PatronsClient {
	settings := gobreaker.Settings{
		Name:    "patrons",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &PatronsClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *PatronsClient) GetPatron(ctx context.Context, id uuid.UUID) (*patrons.Patron, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/patrons/%s", c.baseURL, id), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, patrons.ErrPatronNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		var patron patrons.Patron
		if err := json.NewDecoder(resp.Body).Decode(&patron); err != nil {
			return nil, err
		}
		return &patron, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*patrons.Patron), nil
}

// IsAdmin reports whether the patron holds the admin role. It satisfies the
// circulation handler's identity check.
func (c *PatronsClient) IsAdmin(ctx context.Context, patronID uuid.UUID) (bool, error) {
	patron, err := c.GetPatron(ctx, patronID)
	if err != nil {
		return false, err
	}
	return patron.Role == patrons.RoleAdmin, nil
}
