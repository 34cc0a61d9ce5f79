// Package directory consumes the external identity provider. The core
// never owns or re-derives identity; it only seeds presence records from
// the tuples the directory hands over.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"relay/internal/domain"
	"relay/internal/observability/metrics"
	"relay/internal/presence"
)

type Directory interface {
	ListUsers(ctx context.Context) ([]domain.DirectoryUser, error)
}

// HTTPDirectory fetches the user list from an identity service endpoint.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

func NewHTTPDirectory(base string) *HTTPDirectory {
	return &HTTPDirectory{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) ListUsers(ctx context.Context) ([]domain.DirectoryUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/v1/users", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: unexpected status %d", resp.StatusCode)
	}
	var users []domain.DirectoryUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, err
	}
	return users, nil
}

// Syncer seeds presence records from the directory at sync time.
type Syncer struct {
	dir      Directory
	presence *presence.Tracker
}

func NewSyncer(dir Directory, pres *presence.Tracker) *Syncer {
	return &Syncer{dir: dir, presence: pres}
}

func (s *Syncer) Sync(ctx context.Context) (int, error) {
	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, nil
	}
	if err := s.presence.Seed(ctx, users); err != nil {
		return 0, err
	}
	metrics.DirectoryUsersSyncedTotal.WithLabelValues().Add(float64(len(users)))
	return len(users), nil
}
