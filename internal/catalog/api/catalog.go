package api

import (
	"context"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/datagovindia/dgi/internal/apperrors"
)

// SortField is a catalog sort key.
type SortField string

const (
	SortCreated SortField = "created"
	SortUpdated SortField = "updated"
)

// SortOrder is a catalog sort direction.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// MaxCatalogPage is the largest page the /lists endpoint serves.
const MaxCatalogPage = 5000

// CatalogRequest selects one page of the catalog.
type CatalogRequest struct {
	Offset    int
	Limit     int
	SortBy    SortField // default SortUpdated
	SortOrder SortOrder // default Desc
}

// CatalogPage is one page of raw catalog records.
type CatalogPage struct {
	// Total is the catalog size reported by the API.
	Total int
	// Records are undecoded; see schema.FromRaw.
	Records []gjson.Result
}

// ListCatalog fetches one page of active catalog records. Visualization-only
// entries are excluded, as they have no downloadable records.
func (c *Client) ListCatalog(ctx context.Context, req CatalogRequest) (*CatalogPage, error) {
	const op = "api.ListCatalog"

	if req.Offset < 0 || req.Limit < 0 || req.Limit > MaxCatalogPage {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op,
			"invalid page offset=%d limit=%d (limit must be 0..%d)", req.Offset, req.Limit, MaxCatalogPage)
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = SortUpdated
	}
	order := req.SortOrder
	if order == "" {
		order = Desc
	}

	query := url.Values{}
	query.Set("filters[active]", "1")
	query.Set("notfilters[source]", "visualize.data.gov.in")
	query.Set("sort["+string(sortBy)+"]", string(order))
	query.Set("offset", strconv.Itoa(req.Offset))
	query.Set("limit", strconv.Itoa(req.Limit))

	body, err := c.get(ctx, request{op: op, path: "/lists", query: query})
	if err != nil {
		return nil, err
	}

	records := body.Get("records")
	if records.Exists() && !records.IsArray() && records.Type != gjson.Null {
		return nil, apperrors.Errorf(apperrors.ErrRemoteAPI, op, "records is not an array")
	}

	return &CatalogPage{
		Total:   total(body),
		Records: records.Array(),
	}, nil
}
