package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/pkg/metrics"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PreconditionError reports a call that cannot proceed with the given input
// or in the current state. Nothing has been fetched or mutated.
type PreconditionError struct {
	Field  string
	Value  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("precondition failed: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("precondition failed: %s=%s %s", e.Field, e.Value, e.Reason)
}

var (
	ErrNotLoaded   = &PreconditionError{Field: "loadMore", Reason: "called before loadInitial"}
	ErrNoMorePages = &PreconditionError{Field: "loadMore", Reason: "no next cursor"}
	// ErrSuperseded is returned when a newer load replaced the accumulator
	// while this one was in flight; its result was discarded.
	ErrSuperseded = errors.New("listing load superseded by a newer load")
)

type ListingConfig struct {
	TTL          time.Duration
	MaxEntries   int
	DefaultLimit int
	MaxLimit     int
	Now          func() time.Time
}

func DefaultListingConfig() ListingConfig {
	return ListingConfig{
		TTL:          300 * time.Second,
		MaxEntries:   20,
		DefaultLimit: 20,
		MaxLimit:     100,
		Now:          time.Now,
	}
}

func (c ListingConfig) withDefaults() ListingConfig {
	d := DefaultListingConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.DefaultLimit <= 0 || c.DefaultLimit > c.MaxLimit {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// ListQuery filters are AND-combined; nil means "not filtered". Limit 0
// selects the configured default.
type ListQuery struct {
	SubjectID     *string
	UnitID        *uuid.UUID
	FileType      *string
	Status        *models.MaterialStatus
	Search        *string
	Cursor        *string
	Limit         int
	SortField     repository.SortField
	SortDirection repository.SortDirection
}

// cacheKey encodes every present parameter; url.Values sorts by name so
// the key does not depend on the order parameters were set in.
func (q ListQuery) cacheKey() string {
	v := url.Values{}
	if q.SubjectID != nil {
		v.Set("subjectId", *q.SubjectID)
	}
	if q.UnitID != nil {
		v.Set("unitId", q.UnitID.String())
	}
	if q.FileType != nil {
		v.Set("type", *q.FileType)
	}
	if q.Status != nil {
		v.Set("status", string(*q.Status))
	}
	if q.Search != nil {
		v.Set("q", *q.Search)
	}
	if q.Cursor != nil {
		v.Set("cursor", *q.Cursor)
	}
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("sort", string(q.SortField))
	v.Set("order", string(q.SortDirection))
	return v.Encode()
}

func (q ListQuery) repositoryQuery() repository.MaterialQuery {
	return repository.MaterialQuery{
		SubjectID:     q.SubjectID,
		UnitID:        q.UnitID,
		FileType:      q.FileType,
		Status:        q.Status,
		Search:        q.Search,
		Cursor:        q.Cursor,
		Limit:         q.Limit,
		SortField:     q.SortField,
		SortDirection: q.SortDirection,
	}
}

// ListingCache serves material listings from a bounded LRU/TTL page cache
// and keeps a deduplicated accumulator for infinite scroll.
type ListingCache struct {
	lister repository.MaterialLister
	cfg    ListingConfig
	cache  *pageCache
	logger logrus.FieldLogger

	mu  sync.Mutex
	acc accumulator
}

type accumulator struct {
	loaded     bool
	query      ListQuery
	items      []models.Material
	seen       map[uuid.UUID]struct{}
	next       *string
	pages      int
	generation uint64
}

func NewListingCache(lister repository.MaterialLister, cfg ListingConfig, logger logrus.FieldLogger) *ListingCache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ListingCache{
		lister: lister,
		cfg:    cfg,
		cache:  newPageCache(cfg.TTL, cfg.MaxEntries, cfg.Now),
		logger: logger,
	}
}

func (c *ListingCache) normalize(q ListQuery) (ListQuery, error) {
	switch {
	case q.Limit == 0:
		q.Limit = c.cfg.DefaultLimit
	case q.Limit < 1 || q.Limit > c.cfg.MaxLimit:
		return q, &PreconditionError{
			Field:  "limit",
			Value:  strconv.Itoa(q.Limit),
			Reason: fmt.Sprintf("must be between 1 and %d", c.cfg.MaxLimit),
		}
	}
	switch q.SortField {
	case "":
		q.SortField = repository.SortByCreatedAt
	case repository.SortByCreatedAt, repository.SortByTitle, repository.SortByUpdatedAt:
	default:
		return q, &PreconditionError{Field: "sort", Value: string(q.SortField), Reason: "must be createdAt, title or updatedAt"}
	}
	switch q.SortDirection {
	case "":
		q.SortDirection = repository.SortDesc
	case repository.SortAsc, repository.SortDesc:
	default:
		return q, &PreconditionError{Field: "order", Value: string(q.SortDirection), Reason: "must be asc or desc"}
	}
	if q.Search != nil {
		s := strings.TrimSpace(*q.Search)
		if s == "" {
			q.Search = nil
		} else {
			q.Search = &s
		}
	}
	return q, nil
}

// Fetch returns a fresh cached page or asks the repository once. When the
// repository fails, a previously cached page for the same query is served
// with IsStale set.
func (c *ListingCache) Fetch(ctx context.Context, q ListQuery) (*Page, error) {
	q, err := c.normalize(q)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, q)
}

func (c *ListingCache) fetch(ctx context.Context, q ListQuery) (*Page, error) {
	key := q.cacheKey()
	fresh, expired := c.cache.lookup(key)
	if fresh != nil {
		metrics.ListingCacheLookups.WithLabelValues("hit").Inc()
		return fresh, nil
	}
	metrics.ListingCacheLookups.WithLabelValues("miss").Inc()

	res, err := c.lister.List(ctx, q.repositoryQuery())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		stale, ok := c.cache.getStale(key)
		if !ok && expired != nil {
			stale, ok = expired, true
		}
		if !ok {
			return nil, err
		}
		metrics.ListingCacheLookups.WithLabelValues("stale").Inc()
		c.logger.WithError(err).WithField("key", key).Warn("listing fetch failed, serving cached page")
		stale.IsStale = true
		return stale, nil
	}

	page := Page{
		Items:      res.Items,
		NextCursor: res.NextCursor,
		TotalCount: res.TotalCount,
		HasMore:    res.NextCursor != nil,
	}
	c.cache.set(key, page)
	return &page, nil
}

func (c *ListingCache) InvalidateAll() {
	c.cache.invalidateAll()
}

// Invalidate drops every cached page that lists the material.
func (c *ListingCache) Invalidate(materialID uuid.UUID) {
	if n := c.cache.invalidateContaining(materialID); n > 0 {
		c.logger.WithFields(logrus.Fields{"material_id": materialID, "pages": n}).Debug("invalidated cached listing pages")
	}
}

// LoadInitial resets the accumulator and loads the first page of q.
func (c *ListingCache) LoadInitial(ctx context.Context, q ListQuery) (*Page, error) {
	q, err := c.normalize(q)
	if err != nil {
		return nil, err
	}
	q.Cursor = nil

	// 先作废旧状态, 首页成功后才算 loaded
	c.mu.Lock()
	gen := c.acc.generation + 1
	c.acc = accumulator{generation: gen}
	c.mu.Unlock()

	page, err := c.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acc.generation != gen {
		return nil, ErrSuperseded
	}
	c.acc = accumulator{
		loaded:     true,
		query:      q,
		seen:       make(map[uuid.UUID]struct{}),
		generation: gen,
	}
	c.acc.append(page)
	return page, nil
}

// LoadMore fetches the page after the last one loaded and appends the items
// not seen before, in arrival order.
func (c *ListingCache) LoadMore(ctx context.Context) (*Page, error) {
	c.mu.Lock()
	if !c.acc.loaded {
		c.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if c.acc.next == nil {
		c.mu.Unlock()
		return nil, ErrNoMorePages
	}
	gen := c.acc.generation
	cursor := *c.acc.next
	q := c.acc.query
	q.Cursor = &cursor
	c.mu.Unlock()

	page, err := c.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acc.generation != gen || c.acc.next == nil || *c.acc.next != cursor {
		return nil, ErrSuperseded
	}
	c.acc.append(page)
	return page, nil
}

// Refresh clears the whole cache and reloads the first page of the last
// query passed to LoadInitial.
func (c *ListingCache) Refresh(ctx context.Context) (*Page, error) {
	c.mu.Lock()
	loaded, q := c.acc.loaded, c.acc.query
	c.mu.Unlock()
	if !loaded {
		return nil, &PreconditionError{Field: "refresh", Reason: "called before loadInitial"}
	}
	c.cache.invalidateAll()
	return c.LoadInitial(ctx, q)
}

func (c *ListingCache) Items() []models.Material {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Material(nil), c.acc.items...)
}

func (c *ListingCache) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.next != nil
}

func (c *ListingCache) PagesLoaded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.pages
}

func (a *accumulator) append(p *Page) {
	for _, m := range p.Items {
		if _, dup := a.seen[m.ID]; dup {
			continue
		}
		a.seen[m.ID] = struct{}{}
		a.items = append(a.items, m)
	}
	a.next = p.NextCursor
	a.pages++
}
