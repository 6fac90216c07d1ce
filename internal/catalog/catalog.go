// Package catalog persists challenge definitions and tags in the relational
// store and serves them with write-through caching in the state store.
// Definitions are independent of any running instance; the derived namespace
// string is the only link between the two.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/acmcyber/instancer/internal/challenge"
	"github.com/acmcyber/instancer/internal/state"
)

// ErrDuplicateID is returned by Create when the challenge ID already exists
// and replacement was not requested.
var ErrDuplicateID = errors.New("challenge id already exists")

// Schema creates the catalog tables. cfg is JSONB on Postgres; SQLite treats
// the type name as plain column affinity, which keeps the dev/test store on
// the same statements.
const Schema = `
CREATE TABLE IF NOT EXISTS challenges (
	id TEXT PRIMARY KEY,
	cfg JSONB NOT NULL,
	per_team BOOLEAN NOT NULL,
	lifetime BIGINT NOT NULL,
	boot_time BIGINT NOT NULL DEFAULT 0,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	author TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
	challenge_id TEXT NOT NULL REFERENCES challenges (id),
	name TEXT NOT NULL,
	is_category BOOLEAN NOT NULL
);
`

// Catalog is the challenge store. All mutations invalidate the caches
// exhaustively; reads go through the cache with a bounded TTL.
type Catalog struct {
	db    *sql.DB
	cache *state.Store
	log   *slog.Logger
}

// New returns a Catalog over the shared database pool and state store.
func New(db *sql.DB, cache *state.Store, log *slog.Logger) *Catalog {
	return &Catalog{db: db, cache: cache, log: log}
}

// InitSchema creates the catalog tables if they do not exist.
func (c *Catalog) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create catalog schema: %w", err)
	}
	return nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	ID       string
	PerTeam  bool
	Cfg      challenge.Config
	Lifetime int64
	BootTime int64
	Metadata challenge.Metadata
	Tags     []challenge.Tag

	// ReplaceExisting deletes and recreates the challenge on an ID
	// collision instead of failing with ErrDuplicateID.
	ReplaceExisting bool
}

// Create writes the challenge row and its tags in one transaction. Returns
// whether an existing challenge was replaced.
func (c *Catalog) Create(ctx context.Context, p CreateParams) (replaced bool, err error) {
	err = c.insert(ctx, p, false)
	if errors.Is(err, ErrDuplicateID) && p.ReplaceExisting {
		c.log.Info("replacing existing challenge", "challenge", p.ID)
		if err := c.insert(ctx, p, true); err != nil {
			return false, err
		}
		return true, c.cache.FlushChallenge(ctx, p.ID)
	}
	if err != nil {
		return false, err
	}
	return false, c.cache.FlushChallenge(ctx, p.ID)
}

// insert performs the transactional write. With replace set, existing tag and
// challenge rows for the ID are deleted first so the whole swap is atomic.
func (c *Catalog) insert(ctx context.Context, p CreateParams, replace bool) error {
	cfg, err := json.Marshal(p.Cfg)
	if err != nil {
		return fmt.Errorf("encode cfg for %s: %w", p.ID, err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE challenge_id = $1", p.ID); err != nil {
			return fmt.Errorf("delete old tags for %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM challenges WHERE id = $1", p.ID); err != nil {
			return fmt.Errorf("delete old challenge %s: %w", p.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO challenges (id, cfg, per_team, lifetime, boot_time, name, description, author)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, cfg, p.PerTeam, p.Lifetime, p.BootTime,
		p.Metadata.Name, p.Metadata.Description, p.Metadata.Author)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create %s: %w", p.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert challenge %s: %w", p.ID, err)
	}

	if err := insertTags(ctx, tx, p.ID, p.Tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create transaction: %w", err)
	}
	return nil
}

func insertTags(ctx context.Context, tx *sql.Tx, id string, tags []challenge.Tag) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tags (challenge_id, name, is_category) VALUES ($1, $2, $3)",
			id, tag.Name, tag.IsCategory); err != nil {
			return fmt.Errorf("insert tag %q for %s: %w", tag.Name, id, err)
		}
	}
	return nil
}

// Fetch returns the challenge bound to teamID, or nil if the ID is unknown.
func (c *Catalog) Fetch(ctx context.Context, id, teamID string) (*challenge.Challenge, error) {
	info, err := c.FetchInfo(ctx, id)
	if err != nil || info == nil {
		return nil, err
	}
	return challenge.New(id, info, teamID), nil
}

// FetchInfo returns the challenge definition without binding it to a team,
// or nil if the ID is unknown. Reads go through the chall:<id> cache.
func (c *Catalog) FetchInfo(ctx context.Context, id string) (*challenge.Info, error) {
	info, err := c.cache.ChallengeInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return info, nil
	}

	info, err = c.queryInfo(ctx, id)
	if err != nil || info == nil {
		return nil, err
	}
	if err := c.cache.CacheChallengeInfo(ctx, id, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Catalog) queryInfo(ctx context.Context, id string) (*challenge.Info, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT cfg, per_team, lifetime, boot_time, name, description, author
		 FROM challenges WHERE id = $1`, id)

	var (
		rawCfg []byte
		info   challenge.Info
	)
	err := row.Scan(&rawCfg, &info.PerTeam, &info.Lifetime, &info.BootTime,
		&info.Name, &info.Description, &info.Author)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query challenge %s: %w", id, err)
	}
	if err := json.Unmarshal(rawCfg, &info.Cfg); err != nil {
		return nil, fmt.Errorf("decode cfg for %s: %w", id, err)
	}
	return &info, nil
}

// Entry pairs a team-bound challenge with its tag list.
type Entry struct {
	Challenge *challenge.Challenge
	Tags      []challenge.Tag
}

// FetchAll returns every challenge with its tags, in unspecified order. On a
// cache miss it loads everything in two queries and pre-warms the definition
// and tag caches for subsequent single fetches.
func (c *Catalog) FetchAll(ctx context.Context, teamID string) ([]Entry, error) {
	ids, hit, err := c.cache.AllChallengeIDs(ctx)
	if err != nil {
		return nil, err
	}
	if hit {
		entries := make([]Entry, 0, len(ids))
		for _, id := range ids {
			ch, err := c.Fetch(ctx, id, teamID)
			if err != nil {
				return nil, err
			}
			if ch == nil {
				// Deleted since the ID list was cached; skip.
				continue
			}
			tags, err := c.Tags(ctx, id)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Challenge: ch, Tags: tags})
		}
		return entries, nil
	}

	infos, order, err := c.queryAllInfos(ctx)
	if err != nil {
		return nil, err
	}
	tagsByID, err := c.queryAllTags(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.cache.CacheAllChallengeIDs(ctx, order); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(order))
	for _, id := range order {
		info := infos[id]
		if err := c.cache.CacheChallengeInfo(ctx, id, info); err != nil {
			return nil, err
		}
		tags := tagsByID[id]
		if err := c.cache.CacheChallengeTags(ctx, id, tags); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Challenge: challenge.New(id, info, teamID),
			Tags:      tags,
		})
	}
	return entries, nil
}

func (c *Catalog) queryAllInfos(ctx context.Context) (map[string]*challenge.Info, []string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, cfg, per_team, lifetime, boot_time, name, description, author FROM challenges`)
	if err != nil {
		return nil, nil, fmt.Errorf("query all challenges: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	infos := make(map[string]*challenge.Info)
	var order []string
	for rows.Next() {
		var (
			id     string
			rawCfg []byte
			info   challenge.Info
		)
		if err := rows.Scan(&id, &rawCfg, &info.PerTeam, &info.Lifetime, &info.BootTime,
			&info.Name, &info.Description, &info.Author); err != nil {
			return nil, nil, fmt.Errorf("scan challenge row: %w", err)
		}
		if err := json.Unmarshal(rawCfg, &info.Cfg); err != nil {
			return nil, nil, fmt.Errorf("decode cfg for %s: %w", id, err)
		}
		infos[id] = &info
		order = append(order, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate challenge rows: %w", err)
	}
	return infos, order, nil
}

func (c *Catalog) queryAllTags(ctx context.Context) (map[string][]challenge.Tag, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT challenge_id, name, is_category FROM tags ORDER BY is_category DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("query all tags: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	tags := make(map[string][]challenge.Tag)
	for rows.Next() {
		var (
			id  string
			tag challenge.Tag
		)
		if err := rows.Scan(&id, &tag.Name, &tag.IsCategory); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		tags[id] = append(tags[id], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rows: %w", err)
	}
	return tags, nil
}

// UpdateParams are the mutable fields of a challenge. cfg and per_team cannot
// be updated in place; changing them requires delete and recreate, because
// running instances and derived namespaces depend on them.
type UpdateParams struct {
	Lifetime int64
	BootTime int64
	Metadata challenge.Metadata
}

// Update rewrites the mutable fields of an existing challenge.
func (c *Catalog) Update(ctx context.Context, id string, p UpdateParams) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE challenges SET lifetime = $1, name = $2, description = $3, author = $4, boot_time = $5
		 WHERE id = $6`,
		p.Lifetime, p.Metadata.Name, p.Metadata.Description, p.Metadata.Author, p.BootTime, id)
	if err != nil {
		return fmt.Errorf("update challenge %s: %w", id, err)
	}
	return c.cache.FlushChallenge(ctx, id)
}

// Delete removes a challenge and its tags. Reports whether a row existed.
func (c *Catalog) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE challenge_id = $1", id); err != nil {
		return false, fmt.Errorf("delete tags for %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM challenges WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete challenge %s: %w", id, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete challenge %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete transaction: %w", err)
	}

	if err := c.cache.FlushChallenge(ctx, id); err != nil {
		return deleted > 0, err
	}
	return deleted > 0, nil
}

// Tags returns the challenge's tags, category tags first, then alphabetical.
func (c *Catalog) Tags(ctx context.Context, id string) ([]challenge.Tag, error) {
	tags, hit, err := c.cache.ChallengeTags(ctx, id)
	if err != nil {
		return nil, err
	}
	if hit {
		return tags, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT name, is_category FROM tags WHERE challenge_id = $1 ORDER BY is_category DESC, name`, id)
	if err != nil {
		return nil, fmt.Errorf("query tags for %s: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	tags = []challenge.Tag{}
	for rows.Next() {
		var tag challenge.Tag
		if err := rows.Scan(&tag.Name, &tag.IsCategory); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rows: %w", err)
	}

	if err := c.cache.CacheChallengeTags(ctx, id, tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// ReplaceTags atomically swaps a challenge's tags for the given list.
func (c *Catalog) ReplaceTags(ctx context.Context, id string, tags []challenge.Tag) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace-tags transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE challenge_id = $1", id); err != nil {
		return fmt.Errorf("delete tags for %s: %w", id, err)
	}
	if err := insertTags(ctx, tx, id, tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace-tags transaction: %w", err)
	}

	return c.cache.FlushChallenge(ctx, id)
}

// isUniqueViolation detects a primary-key collision from either driver:
// Postgres reports SQLSTATE 23505, SQLite a UNIQUE constraint message.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
