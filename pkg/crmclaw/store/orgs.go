// orgs.go implements the connected-org registry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrgClass is the environment class of a connected org.
type OrgClass string

const (
	ClassProduction OrgClass = "production"
	ClassSandbox    OrgClass = "sandbox"
	ClassScratch    OrgClass = "scratch"
)

// IsProduction reports whether the class gets the read-only tool surface.
func (c OrgClass) IsProduction() bool {
	return c == ClassProduction
}

// Org is one connected CRM environment.
type Org struct {
	ID        string
	AccountID string
	Name      string
	Class     OrgClass
	// InstanceURL is the API base URL of the org.
	InstanceURL string
	// AuthURL is the token endpoint; empty means InstanceURL is used.
	AuthURL string
	// ClientID/ClientSecret enable the reusable client-credentials exchange.
	ClientID     string
	ClientSecret string
	// AccessToken is the last known bearer token (fallback when refresh fails).
	AccessToken string
	// RefreshToken enables the refresh-token exchange when set.
	RefreshToken string
	ConnectedAt  time.Time
}

const orgColumns = `id, account_id, name, class, instance_url, auth_url,
	client_id, client_secret, access_token, refresh_token, connected_at`

// ConnectOrg inserts or updates an org connection.
func (s *Store) ConnectOrg(ctx context.Context, org *Org) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.Class == "" {
		org.Class = ClassProduction
	}
	ts := now()
	org.ConnectedAt = parseTime(ts)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orgs (id, account_id, name, class, instance_url, auth_url,
			client_id, client_secret, access_token, refresh_token, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			class = excluded.class,
			instance_url = excluded.instance_url,
			auth_url = excluded.auth_url,
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token`,
		org.ID, org.AccountID, org.Name, string(org.Class), org.InstanceURL,
		org.AuthURL, org.ClientID, org.ClientSecret, org.AccessToken,
		org.RefreshToken, ts)
	if err != nil {
		return fmt.Errorf("connect org: %w", err)
	}

	s.logger.Info("org connected", "org_id", org.ID, "name", org.Name, "class", string(org.Class))
	return nil
}

// GetOrg loads one org by ID.
func (s *Store) GetOrg(ctx context.Context, id string) (*Org, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM orgs WHERE id = ?`, id)
	return scanOrg(row)
}

// ListOrgs returns every org connected to the account, stable by name.
func (s *Store) ListOrgs(ctx context.Context, accountID string) ([]Org, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM orgs WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list orgs: %w", err)
	}
	defer rows.Close()

	var out []Org
	for rows.Next() {
		org, err := scanOrgRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

// DisconnectOrg removes an org connection. Refused with ErrConflict while
// any job for the org is queued or running.
func (s *Store) DisconnectOrg(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("disconnect org: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE org_id = ? AND status IN (?, ?)`,
		id, string(StatusQueued), string(StatusRunning)).Scan(&active)
	if err != nil {
		return fmt.Errorf("disconnect org: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("org %s has %d active jobs: %w", id, active, ErrConflict)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM orgs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("disconnect org: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("org %s: %w", id, ErrNotFound)
	}

	// Cached data for the org is derived and safe to drop with it.
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE org_id = ?`, id); err != nil {
		return fmt.Errorf("disconnect org: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("disconnect org: %w", err)
	}

	s.logger.Info("org disconnected", "org_id", id)
	return nil
}

// UpdateOrgTokens persists refreshed credentials.
func (s *Store) UpdateOrgTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orgs SET access_token = ?, refresh_token = ? WHERE id = ?`,
		accessToken, refreshToken, id)
	if err != nil {
		return fmt.Errorf("update org tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("org %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanOrg(row *sql.Row) (*Org, error) {
	var o Org
	var class, connected string
	err := row.Scan(&o.ID, &o.AccountID, &o.Name, &class, &o.InstanceURL,
		&o.AuthURL, &o.ClientID, &o.ClientSecret, &o.AccessToken,
		&o.RefreshToken, &connected)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan org: %w", err)
	}
	o.Class = OrgClass(class)
	o.ConnectedAt = parseTime(connected)
	return &o, nil
}

func scanOrgRows(rows *sql.Rows) (*Org, error) {
	var o Org
	var class, connected string
	err := rows.Scan(&o.ID, &o.AccountID, &o.Name, &class, &o.InstanceURL,
		&o.AuthURL, &o.ClientID, &o.ClientSecret, &o.AccessToken,
		&o.RefreshToken, &connected)
	if err != nil {
		return nil, fmt.Errorf("scan org: %w", err)
	}
	o.Class = OrgClass(class)
	o.ConnectedAt = parseTime(connected)
	return &o, nil
}
