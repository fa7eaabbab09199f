package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/text/unicode/norm"
)

// Entity types form a closed set shared with the extractor.
const (
	EntityPerson           = "PERSON"
	EntityOrganization     = "ORGANIZATION"
	EntityGovernmentAgency = "GOVERNMENT_AGENCY"
	EntityMilitaryUnit     = "MILITARY_UNIT"
	EntityLocation         = "LOCATION"
	EntityPoliticalParty   = "POLITICAL_PARTY"
	EntityEvent            = "EVENT"
)

// Relationship types form a closed set.
const (
	RelSupports         = "supports"
	RelOpposes          = "opposes"
	RelCollaboratesWith = "collaborates_with"
	RelImplements       = "implements"
	RelImpacts          = "impacts"
	RelRespondsTo       = "responds_to"
	RelPartOf           = "part_of"
	RelLeads            = "leads"
	RelFunds            = "funds"
	RelRegulates        = "regulates"
	RelAssociatedWith   = "associated_with"
	RelCoOccurrence     = "co_occurrence"
)

// maxMentionContext bounds the stored surrounding text of a mention.
const maxMentionContext = 500

// TrackedEntity is a user-owned entity of interest. The canonical
// knowledge-base id, when present in Metadata under "wikidata_id",
// takes precedence over name_lower for deduplication.
type TrackedEntity struct {
	EntityID   string
	UserID     string
	Name       string
	NameLower  string
	EntityType string
	CreatedAt  time.Time
	FirstSeen  time.Time
	LastSeen   time.Time
	Metadata   map[string]any
}

// EntityMention records one occurrence of an entity in a source
// record. Exactly one of DocumentID, NewsArticleID, NewsItemID is set.
type EntityMention struct {
	MentionID     string
	EntityID      string
	DocumentID    string
	NewsArticleID string
	NewsItemID    string
	UserID        string
	ChunkID       string
	Context       string
	Timestamp     time.Time
}

// EntityRelationship is a typed edge between two tracked entities.
type EntityRelationship struct {
	ID               string
	SourceEntityID   string
	TargetEntityID   string
	RelationshipType string
	Description      string
	FirstSeen        time.Time
	LastSeen         time.Time
	MentionCount     int
	Confidence       float64
	UserID           string
	Metadata         map[string]any
}

// NormalizeName produces the name_lower key: NFC-normalized,
// whitespace-collapsed, lowercased.
func NormalizeName(name string) string {
	n := norm.NFC.String(name)
	n = strings.Join(strings.Fields(n), " ")
	return strings.ToLower(n)
}

// GetOrCreateEntity inserts a tracked entity, or returns the existing
// row when (user_id, name_lower) already exists. The insert is
// optimistic; the unique constraint resolves races.
func (s *Store) GetOrCreateEntity(ctx context.Context, userID, name, entityType string) (*TrackedEntity, bool, error) {
	e := &TrackedEntity{
		EntityID:   uuid.New().String(),
		UserID:     userID,
		Name:       name,
		NameLower:  NormalizeName(name),
		EntityType: entityType,
		CreatedAt:  time.Now().UTC(),
		Metadata:   map[string]any{},
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tracked_entities (entity_id, user_id, name, name_lower, entity_type, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, '{}')
		ON CONFLICT (user_id, name_lower) DO NOTHING
		RETURNING entity_id, created_at`,
		e.EntityID, e.UserID, e.Name, e.NameLower, e.EntityType, e.CreatedAt,
	).Scan(&e.EntityID, &e.CreatedAt)
	if err == nil {
		return e, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("create entity: %w", err)
	}

	existing, err := s.getEntityByKey(ctx, userID, e.NameLower)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("entity %q: %w", name, ErrNotFound)
	}
	return existing, false, nil
}

func (s *Store) getEntityByKey(ctx context.Context, userID, nameLower string) (*TrackedEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, user_id, name, name_lower, entity_type, created_at, first_seen, last_seen, metadata
		FROM tracked_entities WHERE user_id = $1 AND name_lower = $2`, userID, nameLower)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEntity fetches one entity by id. Missing rows return (nil, nil).
func (s *Store) GetEntity(ctx context.Context, entityID string) (*TrackedEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, user_id, name, name_lower, entity_type, created_at, first_seen, last_seen, metadata
		FROM tracked_entities WHERE entity_id = $1`, entityID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListEntities returns all tracked entities for a user.
func (s *Store) ListEntities(ctx context.Context, userID string) ([]*TrackedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, user_id, name, name_lower, entity_type, created_at, first_seen, last_seen, metadata
		FROM tracked_entities WHERE user_id = $1 ORDER BY name_lower`, userID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TrackedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TouchEntitySeen widens the first_seen/last_seen window to include
// seenAt. first_seen only moves backward, last_seen only forward.
func (s *Store) TouchEntitySeen(ctx context.Context, entityID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities
		SET first_seen = LEAST(COALESCE(first_seen, $2), $2),
		    last_seen  = GREATEST(COALESCE(last_seen, $2), $2)
		WHERE entity_id = $1`, entityID, seenAt)
	if err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	return nil
}

// MergeEntityMetadata merges patch into the entity's metadata map.
// Used by the linker to record the canonical knowledge-base id.
func (s *Store) MergeEntityMetadata(ctx context.Context, entityID string, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tracked_entities SET metadata = metadata || $2::jsonb WHERE entity_id = $1`,
		entityID, data)
	if err != nil {
		return fmt.Errorf("merge entity metadata: %w", err)
	}
	return nil
}

// InsertMention persists one mention. Context is truncated to the
// stored bound; the single-reference rule is validated before insert.
func (s *Store) InsertMention(ctx context.Context, m *EntityMention) error {
	refs := 0
	for _, id := range []string{m.DocumentID, m.NewsArticleID, m.NewsItemID} {
		if id != "" {
			refs++
		}
	}
	if refs != 1 {
		return ErrMentionRef
	}

	if m.MentionID == "" {
		m.MentionID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	context := truncateRunes(m.Context, maxMentionContext)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_mentions
			(mention_id, entity_id, document_id, news_article_id, news_item_id, user_id, chunk_id, context, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.MentionID, m.EntityID,
		nullUUID(m.DocumentID), nullUUID(m.NewsArticleID), nullUUID(m.NewsItemID),
		m.UserID, m.ChunkID, context, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert mention: %w", err)
	}
	return nil
}

// CountMentionsSince counts mentions recorded for a user at or after
// since.
func (s *Store) CountMentionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM entity_mentions WHERE user_id = $1 AND ts >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mentions: %w", err)
	}
	return n, nil
}

// UpsertRelationship inserts a relationship edge or, when the
// (source, target, type) triple exists, advances it atomically:
// last_seen moves forward, mention_count increments, and confidence
// follows max(old, min(0.95, base + 0.05*mention_count)) so it never
// decreases.
func (s *Store) UpsertRelationship(ctx context.Context, r *EntityRelationship) error {
	if r.SourceEntityID == r.TargetEntityID {
		return ErrSelfRelationship
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.FirstSeen.IsZero() {
		r.FirstSeen = now
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = now
	}
	if r.MentionCount < 1 {
		r.MentionCount = 1
	}
	conf := r.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	meta, err := json.Marshal(orEmptyMap(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal relationship metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_relationships
			(id, source_entity_id, target_entity_id, relationship_type, description,
			 first_seen, last_seen, mention_count, confidence, user_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_entity_id, target_entity_id, relationship_type) DO UPDATE SET
			last_seen     = GREATEST(entity_relationships.last_seen, EXCLUDED.last_seen),
			mention_count = entity_relationships.mention_count + 1,
			confidence    = GREATEST(entity_relationships.confidence,
			                 LEAST(0.95, EXCLUDED.confidence + 0.05 * entity_relationships.mention_count)),
			description   = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description
			                     ELSE entity_relationships.description END`,
		r.ID, r.SourceEntityID, r.TargetEntityID, r.RelationshipType, r.Description,
		r.FirstSeen, r.LastSeen, r.MentionCount, conf, r.UserID, meta)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// GetRelationship fetches one edge by its triple. Missing rows return
// (nil, nil).
func (s *Store) GetRelationship(ctx context.Context, sourceID, targetID, relType string) (*EntityRelationship, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_entity_id, target_entity_id, relationship_type, description,
		       first_seen, last_seen, mention_count, confidence, user_id, metadata
		FROM entity_relationships
		WHERE source_entity_id = $1 AND target_entity_id = $2 AND relationship_type = $3`,
		sourceID, targetID, relType)

	var (
		r    EntityRelationship
		meta []byte
	)
	err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationshipType,
		&r.Description, &r.FirstSeen, &r.LastSeen, &r.MentionCount, &r.Confidence,
		&r.UserID, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	return &r, nil
}

// DedupeEntitiesByQID merges tracked entities that resolved to the
// same canonical knowledge-base id. The oldest row survives; mentions
// are repointed to it, relationship edges move over where that does
// not collide with an existing edge, and the newer rows are deleted
// (cascade drops edges that could not move). Returns the number of
// merged-away rows.
func (s *Store) DedupeEntitiesByQID(ctx context.Context, userID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT array_agg(entity_id::text ORDER BY created_at ASC)
		FROM tracked_entities
		WHERE user_id = $1 AND COALESCE(metadata->>'wikidata_id', '') <> ''
		GROUP BY metadata->>'wikidata_id'
		HAVING count(*) > 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("find duplicate entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups [][]string
	for rows.Next() {
		var ids pq.StringArray
		if err := rows.Scan(&ids); err != nil {
			return 0, err
		}
		groups = append(groups, []string(ids))
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	merged := 0
	for _, ids := range groups {
		keep, dupes := ids[0], ids[1:]
		if err := s.mergeEntities(ctx, keep, dupes); err != nil {
			return merged, err
		}
		merged += len(dupes)
	}
	return merged, nil
}

func (s *Store) mergeEntities(ctx context.Context, keep string, dupes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE entity_mentions SET entity_id = $1 WHERE entity_id = ANY($2)`,
		keep, pq.Array(dupes)); err != nil {
		return fmt.Errorf("repoint mentions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tracked_entities SET
			first_seen = LEAST(first_seen, (SELECT min(first_seen) FROM tracked_entities WHERE entity_id = ANY($2))),
			last_seen  = GREATEST(last_seen, (SELECT max(last_seen) FROM tracked_entities WHERE entity_id = ANY($2)))
		WHERE entity_id = $1`, keep, pq.Array(dupes)); err != nil {
		return fmt.Errorf("merge seen window: %w", err)
	}

	// Move edges that do not collide with an existing edge of the
	// surviving entity; the rest fall with the duplicate rows.
	if _, err := tx.ExecContext(ctx, `
		UPDATE entity_relationships r SET source_entity_id = $1
		WHERE r.source_entity_id = ANY($2)
		  AND r.target_entity_id <> $1
		  AND NOT EXISTS (
			SELECT 1 FROM entity_relationships x
			WHERE x.source_entity_id = $1
			  AND x.target_entity_id = r.target_entity_id
			  AND x.relationship_type = r.relationship_type)`,
		keep, pq.Array(dupes)); err != nil {
		return fmt.Errorf("repoint outgoing edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entity_relationships r SET target_entity_id = $1
		WHERE r.target_entity_id = ANY($2)
		  AND r.source_entity_id <> $1
		  AND NOT EXISTS (
			SELECT 1 FROM entity_relationships x
			WHERE x.target_entity_id = $1
			  AND x.source_entity_id = r.source_entity_id
			  AND x.relationship_type = r.relationship_type)`,
		keep, pq.Array(dupes)); err != nil {
		return fmt.Errorf("repoint incoming edges: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tracked_entities WHERE entity_id = ANY($1)`, pq.Array(dupes)); err != nil {
		return fmt.Errorf("delete duplicates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

func scanEntity(row rowScanner) (*TrackedEntity, error) {
	var (
		e           TrackedEntity
		first, last sql.NullTime
		meta        []byte
	)
	err := row.Scan(&e.EntityID, &e.UserID, &e.Name, &e.NameLower, &e.EntityType,
		&e.CreatedAt, &first, &last, &meta)
	if err != nil {
		return nil, err
	}
	if first.Valid {
		e.FirstSeen = first.Time
	}
	if last.Valid {
		e.LastSeen = last.Time
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &e.Metadata)
	}
	return &e, nil
}

func nullUUID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

// truncateRunes cuts s after max runes. The bound counts characters,
// not bytes, so multi-byte text is never split mid-rune.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
