package store

import (
	"context"
	"database/sql"
	"regexp"
	"time"
)

// BoardAcceptPolicy controls how inbound Follows for a board are handled.
type BoardAcceptPolicy string

const (
	BoardAcceptOpen          BoardAcceptPolicy = "open"
	BoardAcceptFollowersOnly BoardAcceptPolicy = "followers_only"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidBoardSlug reports whether a slug is URL-safe per the board contract.
func ValidBoardSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// Board is a local group. Boards with min_role_to_view above guest are
// private and invisible to federation.
type Board struct {
	ID            int64
	Slug          string
	Name          string
	Description   string
	ParentID      *int64
	Position      int
	MinRoleToView Role
	APEnabled     bool
	AcceptPolicy  BoardAcceptPolicy
	PublicKeyPEM  string
	PrivateKeyEnc []byte
	CreatedAt     time.Time
}

// Public reports whether the board is visible to federation.
func (b *Board) Public() bool {
	return b.MinRoleToView == RoleGuest
}

const boardColumns = `id, slug, name, description, parent_id, position, min_role_to_view,
	ap_enabled, ap_accept_policy, public_key_pem, private_key_enc, created_at`

func scanBoard(row interface{ Scan(...any) error }) (*Board, error) {
	var (
		b         Board
		parent    sql.NullInt64
		apEnabled int
		pubPEM    sql.NullString
		createdAt int64
	)
	err := row.Scan(&b.ID, &b.Slug, &b.Name, &b.Description, &parent, &b.Position,
		&b.MinRoleToView, &apEnabled, &b.AcceptPolicy, &pubPEM, &b.PrivateKeyEnc, &createdAt)
	if err != nil {
		return nil, mapErr(err)
	}
	b.ParentID = i64Ptr(parent)
	b.APEnabled = apEnabled != 0
	b.PublicKeyPEM = strVal(pubPEM)
	b.CreatedAt = timeVal(createdAt)
	return &b, nil
}

// CreateBoard inserts a board.
func (s *Store) CreateBoard(ctx context.Context, b *Board) (*Board, error) {
	if !ValidBoardSlug(b.Slug) {
		return nil, ErrInvalidSlug
	}
	now := time.Now().Unix()
	if s.driver == "postgres" {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO boards (slug, name, description, parent_id, position, min_role_to_view, ap_enabled, ap_accept_policy, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			b.Slug, b.Name, b.Description, nullI64(b.ParentID), b.Position,
			string(b.MinRoleToView), boolInt(b.APEnabled), string(b.AcceptPolicy), now).Scan(&id)
		if err != nil {
			return nil, mapErr(err)
		}
		return s.BoardByID(ctx, id)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO boards (slug, name, description, parent_id, position, min_role_to_view, ap_enabled, ap_accept_policy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.Slug, b.Name, b.Description, nullI64(b.ParentID), b.Position,
		string(b.MinRoleToView), boolInt(b.APEnabled), string(b.AcceptPolicy), now)
	if err != nil {
		return nil, mapErr(err)
	}
	id, _ := res.LastInsertId()
	return s.BoardByID(ctx, id)
}

// BoardByID returns a board by primary key.
func (s *Store) BoardByID(ctx context.Context, id int64) (*Board, error) {
	return scanBoard(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+boardColumns+` FROM boards WHERE id = ?`), id))
}

// BoardBySlug returns a board by slug.
func (s *Store) BoardBySlug(ctx context.Context, slug string) (*Board, error) {
	return scanBoard(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+boardColumns+` FROM boards WHERE slug = ?`), slug))
}

// SubBoards returns the direct children of a board, ordered by position.
func (s *Store) SubBoards(ctx context.Context, parentID int64) ([]*Board, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+boardColumns+` FROM boards WHERE parent_id = ? ORDER BY position, slug`), parentID)
	if err != nil {
		return nil, err
	}
	return collectBoards(rows)
}

// PublicAPBoards lists federation-visible boards, paginated.
func (s *Store) PublicAPBoards(ctx context.Context, limit, offset int) ([]*Board, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM boards WHERE ap_enabled = 1 AND min_role_to_view = 'guest'`).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+boardColumns+` FROM boards
		 WHERE ap_enabled = 1 AND min_role_to_view = 'guest'
		 ORDER BY position, slug LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	boards, err := collectBoards(rows)
	return boards, total, err
}

// SetBoardKeypair stores a board's public PEM and vault-encrypted private PEM.
func (s *Store) SetBoardKeypair(ctx context.Context, boardID int64, publicPEM string, privateEnc []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE boards SET public_key_pem = ?, private_key_enc = ? WHERE id = ?`),
		publicPEM, privateEnc, boardID)
	return err
}

func collectBoards(rows *sql.Rows) ([]*Board, error) {
	defer rows.Close()
	var out []*Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
