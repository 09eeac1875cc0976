package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS library_items (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	media_path     TEXT NOT NULL,
	thumbnail_path TEXT NOT NULL DEFAULT '',
	subtitle_path  TEXT NOT NULL DEFAULT '',
	duration       INTEGER NOT NULL DEFAULT 0,
	metadata       TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tags (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS library_item_tags (
	item_id TEXT NOT NULL REFERENCES library_items (id),
	tag_id  INTEGER NOT NULL REFERENCES tags (id),
	UNIQUE (item_id, tag_id)
);
CREATE TABLE IF NOT EXISTS collections (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS collection_items (
	collection_id TEXT NOT NULL REFERENCES collections (id),
	item_id       TEXT NOT NULL REFERENCES library_items (id),
	position      INTEGER NOT NULL,
	UNIQUE (collection_id, item_id)
);
`

// Item is the durable record committed by the reconciler after a successful
// Fetcher run. All paths are relative to the library storage root so the
// library survives a relocation of the root.
type Item struct {
	Id            string `json:"id"`
	Title         string `json:"title"`
	MediaPath     string `json:"mediaPath"`
	ThumbnailPath string `json:"thumbnailPath,omitempty"`
	SubtitlePath  string `json:"subtitlePath,omitempty"`
	Duration      int    `json:"duration"`
	Metadata      string `json:"metadata,omitempty"`
}

// Repository persists library items, the tag vocabulary and collection
// membership.
type Repository struct {
	db *sql.DB
}

func New(db *sql.DB) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate library tables: %w", err)
	}
	return &Repository{db: db}, nil
}

// SaveItem creates or replaces the library record for the item's natural key.
func (r *Repository) SaveItem(ctx context.Context, item *Item) error {
	metadata := item.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO library_items (id, title, media_path, thumbnail_path, subtitle_path, duration, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			media_path = excluded.media_path,
			thumbnail_path = excluded.thumbnail_path,
			subtitle_path = excluded.subtitle_path,
			duration = excluded.duration,
			metadata = excluded.metadata`,
		item.Id, item.Title, item.MediaPath, item.ThumbnailPath,
		item.SubtitlePath, item.Duration, metadata)

	return err
}

// GetItem returns the library record for the given natural key.
func (r *Repository) GetItem(ctx context.Context, id string) (*Item, error) {
	var item Item

	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, media_path, thumbnail_path, subtitle_path, duration, metadata
		FROM library_items WHERE id = ?`, id).Scan(
		&item.Id, &item.Title, &item.MediaPath, &item.ThumbnailPath,
		&item.SubtitlePath, &item.Duration, &item.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library item %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	return &item, nil
}

// UpsertTag adds name to the tag vocabulary if missing and returns its id.
// Re-upserting an existing tag never creates a duplicate row.
func (r *Repository) UpsertTag(ctx context.Context, name string) (int64, error) {
	if _, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
		return 0, err
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id)

	return id, err
}

// LinkTag associates a tag to an item. Re-linking is a no-op.
func (r *Repository) LinkTag(ctx context.Context, itemId string, tagId int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO library_item_tags (item_id, tag_id) VALUES (?, ?)`, itemId, tagId)
	return err
}

// ItemTags returns the tag names associated to an item.
func (r *Repository) ItemTags(ctx context.Context, itemId string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.name FROM tags t
		JOIN library_item_tags lt ON lt.tag_id = t.id
		WHERE lt.item_id = ?
		ORDER BY t.name`, itemId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// AppendToCollection appends the item at the next available position,
// ignoring the append when the item is already a member.
func (r *Repository) AppendToCollection(ctx context.Context, collectionId, itemId string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM collection_items
		WHERE collection_id = ?`, collectionId).Scan(&next)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO collection_items (collection_id, item_id, position)
		VALUES (?, ?, ?)`, collectionId, itemId, next)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CollectionItems returns the member item ids in position order.
func (r *Repository) CollectionItems(ctx context.Context, collectionId string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id FROM collection_items
		WHERE collection_id = ? ORDER BY position`, collectionId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
