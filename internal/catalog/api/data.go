package api

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/datagovindia/dgi/internal/apperrors"
)

// DefaultDataPage is the page size used when fetching dataset records.
const DefaultDataPage = 1000

// Record is one row of a dataset, keyed by field id.
type Record = map[string]any

// DataField describes one dataset column.
type DataField struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// DataRequest selects one page of a dataset.
type DataRequest struct {
	Offset int
	Limit  int
	// Filters restrict records by exact field value (filters[field]=value).
	Filters map[string]string
	// Fields restricts the returned columns.
	Fields []string
}

// DataPage is one page of a dataset plus the resource metadata the API
// returns alongside it.
type DataPage struct {
	IndexName string      `json:"index_name" yaml:"index_name"`
	Title     string      `json:"title" yaml:"title"`
	Desc      string      `json:"desc,omitempty" yaml:"desc,omitempty"`
	OrgType   string      `json:"org_type,omitempty" yaml:"org_type,omitempty"`
	Org       []string    `json:"org,omitempty" yaml:"org,omitempty"`
	Sector    []string    `json:"sector,omitempty" yaml:"sector,omitempty"`
	Source    string      `json:"source,omitempty" yaml:"source,omitempty"`
	Updated   string      `json:"updated_date,omitempty" yaml:"updated_date,omitempty"`
	Total     int         `json:"total" yaml:"total"`
	Count     int         `json:"count" yaml:"count"`
	Offset    int         `json:"offset" yaml:"offset"`
	Limit     int         `json:"limit" yaml:"limit"`
	Fields    []DataField `json:"field,omitempty" yaml:"field,omitempty"`
	Records   []Record    `json:"records,omitempty" yaml:"records,omitempty"`
}

// DataOptions configures GetData and Stream.
type DataOptions struct {
	// Offset is the first record to fetch.
	Offset int
	// PageSize is the per-request limit (0 = DefaultDataPage).
	PageSize int
	// MaxRecords stops after this many records (0 = all).
	MaxRecords int
	Filters    map[string]string
	Fields     []string
}

// Dataset is the concatenation of every page of one resource.
type Dataset struct {
	IndexName string      `json:"index_name" yaml:"index_name"`
	Title     string      `json:"title" yaml:"title"`
	Total     int         `json:"total" yaml:"total"`
	Fields    []DataField `json:"field" yaml:"field"`
	Records   []Record    `json:"records" yaml:"records"`
}

// GetPage fetches one page of records of a dataset.
// Unknown identifiers yield an apperrors.ErrNotFound error.
func (c *Client) GetPage(ctx context.Context, indexName string, req DataRequest) (*DataPage, error) {
	const op = "api.GetPage"

	indexName = strings.TrimSpace(indexName)
	if indexName == "" || strings.ContainsAny(indexName, "/?#") {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "invalid resource identifier %q", indexName)
	}
	if req.Offset < 0 || req.Limit < 0 {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "invalid page offset=%d limit=%d", req.Offset, req.Limit)
	}

	query := url.Values{}
	query.Set("offset", strconv.Itoa(req.Offset))
	query.Set("limit", strconv.Itoa(req.Limit))
	for _, k := range sortedKeys(req.Filters) {
		query.Set("filters["+k+"]", req.Filters[k])
	}
	if len(req.Fields) > 0 {
		query.Set("fields", strings.Join(req.Fields, ","))
	}

	body, err := c.get(ctx, request{op: op, path: "/resource/" + indexName, query: query})
	if err != nil {
		return nil, err
	}

	page := decodeDataPage(body)
	if page.IndexName == "" {
		page.IndexName = indexName
	}
	return page, nil
}

// Info fetches the metadata and record count of a dataset without records.
func (c *Client) Info(ctx context.Context, indexName string) (*DataPage, error) {
	page, err := c.GetPage(ctx, indexName, DataRequest{Limit: 0, Fields: []string{}})
	if err != nil {
		return nil, err
	}
	page.Records = nil
	return page, nil
}

// Stream fetches every page of a dataset and calls fn once per record, in
// order. It returns the number of records delivered. Pagination stops when
// the remote total is reached, a page is empty, or MaxRecords is hit.
func (c *Client) Stream(ctx context.Context, indexName string, opts DataOptions, fn func(Record) error) (int, error) {
	delivered := 0
	err := c.paginate(ctx, indexName, opts, func(page *DataPage) error {
		for _, rec := range page.Records {
			if err := fn(rec); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return delivered, err
}

// GetData fetches the full dataset, paginating transparently and
// concatenating the pages into one result.
func (c *Client) GetData(ctx context.Context, indexName string, opts DataOptions) (*Dataset, error) {
	ds := &Dataset{IndexName: indexName, Records: []Record{}}

	first := true
	err := c.paginate(ctx, indexName, opts, func(page *DataPage) error {
		if first {
			first = false
			ds.Title = page.Title
			ds.Total = page.Total
			ds.Fields = page.Fields
		}
		ds.Records = append(ds.Records, page.Records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ds.Fields == nil {
		ds.Fields = []DataField{}
	}
	return ds, nil
}

// paginate walks a dataset page by page.
func (c *Client) paginate(ctx context.Context, indexName string, opts DataOptions, fn func(*DataPage) error) error {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultDataPage
	}

	offset := opts.Offset
	fetched := 0
	for {
		limit := pageSize
		if opts.MaxRecords > 0 && opts.MaxRecords-fetched < limit {
			limit = opts.MaxRecords - fetched
		}

		page, err := c.GetPage(ctx, indexName, DataRequest{
			Offset:  offset,
			Limit:   limit,
			Filters: opts.Filters,
			Fields:  opts.Fields,
		})
		if err != nil {
			return err
		}

		if len(page.Records) > limit {
			page.Records = page.Records[:limit]
		}
		if len(page.Records) == 0 {
			c.logger.Debug().Str("resource", indexName).Int("offset", offset).Msg("empty page, stopping")
			return nil
		}

		if err := fn(page); err != nil {
			return err
		}

		offset += len(page.Records)
		fetched += len(page.Records)

		c.logger.Debug().
			Str("resource", indexName).
			Int("fetched", fetched).
			Int("total", page.Total).
			Msg("page fetched")

		if page.Total > 0 && offset >= page.Total {
			return nil
		}
		if opts.MaxRecords > 0 && fetched >= opts.MaxRecords {
			return nil
		}
	}
}

func decodeDataPage(body gjson.Result) *DataPage {
	page := &DataPage{
		IndexName: body.Get("index_name").String(),
		Title:     body.Get("title").String(),
		Desc:      body.Get("desc").String(),
		OrgType:   body.Get("org_type").String(),
		Source:    body.Get("source").String(),
		Updated:   body.Get("updated_date").String(),
		Total:     total(body),
		Count:     int(body.Get("count").Int()),
		Offset:    int(body.Get("offset").Int()),
		Limit:     int(body.Get("limit").Int()),
		Fields:    []DataField{},
		Records:   []Record{},
	}

	for _, o := range body.Get("org").Array() {
		page.Org = append(page.Org, o.String())
	}
	for _, s := range body.Get("sector").Array() {
		page.Sector = append(page.Sector, s.String())
	}
	for _, f := range body.Get("field").Array() {
		page.Fields = append(page.Fields, DataField{
			ID:   f.Get("id").String(),
			Name: f.Get("name").String(),
			Type: f.Get("type").String(),
		})
	}
	for _, r := range body.Get("records").Array() {
		if rec, ok := r.Value().(map[string]any); ok {
			page.Records = append(page.Records, rec)
		}
	}
	return page
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
