package repository

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByTitle     SortField = "title"
	SortByUpdatedAt SortField = "updatedAt"
)

func (f SortField) column() (string, bool) {
	switch f {
	case SortByCreatedAt, "":
		return "created_at", true
	case SortByTitle:
		return "title", true
	case SortByUpdatedAt:
		return "updated_at", true
	}
	return "", false
}

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// MaterialQuery filters are AND-combined; nil means "not filtered".
type MaterialQuery struct {
	SubjectID     *string
	UnitID        *uuid.UUID
	FileType      *string
	Status        *models.MaterialStatus
	Search        *string
	Cursor        *string
	Limit         int
	SortField     SortField
	SortDirection SortDirection
}

type MaterialListResult struct {
	Items      []models.Material
	NextCursor *string
	TotalCount *int64
}

// cursor is the keyset position after the last row of a page.
type cursor struct {
	Value string    `json:"v"`
	ID    uuid.UUID `json:"id"`
}

func encodeCursor(field SortField, m models.Material) string {
	c := cursor{ID: m.ID}
	switch field {
	case SortByTitle:
		c.Value = m.Title
	case SortByUpdatedAt:
		c.Value = m.UpdatedAt.UTC().Format(time.RFC3339Nano)
	default:
		c.Value = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(field SortField, token string) (any, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if field == SortByTitle {
		return c.Value, c.ID, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, c.Value)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return ts, c.ID, nil
}

func materialFilters(q MaterialQuery) sq.And {
	where := sq.And{sq.Eq{"deleted_at": nil}}
	if q.SubjectID != nil {
		where = append(where, sq.Eq{"subject": *q.SubjectID})
	}
	if q.UnitID != nil {
		where = append(where, sq.Eq{"academic_unit_id": q.UnitID.String()})
	}
	if q.FileType != nil {
		where = append(where, sq.Eq{"file_type": *q.FileType})
	}
	if q.Status != nil {
		where = append(where, sq.Eq{"status": string(*q.Status)})
	}
	if q.Search != nil && *q.Search != "" {
		pattern := "%" + *q.Search + "%"
		where = append(where, sq.Or{
			sq.ILike{"title": pattern},
			sq.ILike{"description": pattern},
		})
	}
	return where
}

// buildListQuery 构造 keyset 分页查询；多取一行用于判断是否还有下一页
func buildListQuery(q MaterialQuery) (sq.SelectBuilder, error) {
	col, ok := q.SortField.column()
	if !ok {
		return sq.SelectBuilder{}, fmt.Errorf("unsupported sort field %q", q.SortField)
	}
	dir, cmp := "DESC", "<"
	if q.SortDirection == SortAsc {
		dir, cmp = "ASC", ">"
	}

	where := materialFilters(q)
	if q.Cursor != nil {
		v, id, err := decodeCursor(q.SortField, *q.Cursor)
		if err != nil {
			return sq.SelectBuilder{}, err
		}
		where = append(where, sq.Expr(fmt.Sprintf("(%s, id) %s (?, ?)", col, cmp), v, id))
	}

	return sq.Select("*").
		From(models.Material{}.TableName()).
		Where(where).
		OrderBy(col+" "+dir, "id "+dir).
		Limit(uint64(q.Limit) + 1).
		PlaceholderFormat(sq.Dollar), nil
}

func buildCountQuery(q MaterialQuery) sq.SelectBuilder {
	return sq.Select("COUNT(*)").
		From(models.Material{}.TableName()).
		Where(materialFilters(q)).
		PlaceholderFormat(sq.Dollar)
}
