package segment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
)

// Resolver resolves a segment into pages of matching contacts.
//
// Resolve returns contacts with id > afterID ordered by id, at most limit
// rows. Paging by immutable contact id keeps a multi-page walk stable under
// concurrent writes to the contacts table: a contact updated mid-walk cannot
// move between pages, and inserts land deterministically before or after the
// cursor.
type Resolver interface {
	Resolve(ctx context.Context, segmentID uuid.UUID, afterID uuid.UUID, limit int) ([]campaign.Contact, error)
	Count(ctx context.Context, segmentID uuid.UUID) (int, error)
}

// PostgresResolver evaluates stored rule trees against the contacts table.
type PostgresResolver struct {
	db *sql.DB
}

// NewPostgresResolver creates a resolver over an open database handle.
func NewPostgresResolver(db *sql.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

type storedSegment struct {
	TeamID uuid.UUID
	Rules  RuleGroup
}

func (r *PostgresResolver) loadSegment(ctx context.Context, segmentID uuid.UUID) (*storedSegment, error) {
	var (
		seg      storedSegment
		rulesRaw []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT team_id, rules FROM segments WHERE id = $1
	`, segmentID).Scan(&seg.TeamID, &rulesRaw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment %s not found", segmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load segment: %w", err)
	}
	if len(rulesRaw) > 0 {
		if err := json.Unmarshal(rulesRaw, &seg.Rules); err != nil {
			return nil, fmt.Errorf("parse segment rules: %w", err)
		}
	}
	return &seg, nil
}

// Resolve returns one keyset page of contacts matching the segment.
func (r *PostgresResolver) Resolve(ctx context.Context, segmentID uuid.UUID, afterID uuid.UUID, limit int) ([]campaign.Contact, error) {
	seg, err := r.loadSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	where, args, err := buildWhere(seg.Rules)
	if err != nil {
		return nil, fmt.Errorf("build segment query: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`
		SELECT c.id, c.email,
		       COALESCE(c.first_name, ''), COALESCE(c.last_name, ''),
		       COALESCE(c.city, ''), COALESCE(c.country, ''),
		       COALESCE(c.status, ''), COALESCE(c.subscription_type, ''),
		       c.attributes
		FROM contacts c
		WHERE c.team_id = $%d AND (%s) AND c.id > $%d
		ORDER BY c.id ASC
		LIMIT $%d
	`, n+1, where, n+2, n+3)
	args = append(args, seg.TeamID, afterID, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve segment: %w", err)
	}
	defer rows.Close()

	var contacts []campaign.Contact
	for rows.Next() {
		var (
			c             campaign.Contact
			attributesRaw []byte
		)
		if err := rows.Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName,
			&c.City, &c.Country, &c.Status, &c.SubscriptionType, &attributesRaw); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		if len(attributesRaw) > 0 {
			_ = json.Unmarshal(attributesRaw, &c.Attributes)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return contacts, nil
}

// Count returns the current resolved segment size (the UI preview figure).
func (r *PostgresResolver) Count(ctx context.Context, segmentID uuid.UUID) (int, error) {
	seg, err := r.loadSegment(ctx, segmentID)
	if err != nil {
		return 0, err
	}

	where, args, err := buildWhere(seg.Rules)
	if err != nil {
		return 0, fmt.Errorf("build segment query: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM contacts c
		WHERE c.team_id = $%d AND (%s)
	`, len(args)+1, where)
	args = append(args, seg.TeamID)

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count segment: %w", err)
	}
	return count, nil
}
