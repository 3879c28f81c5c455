// Package schema defines the normalized catalog resource record.
//
// # Overview
//
// The OGD catalog endpoint (/lists) returns one JSON object per published
// dataset. Those records are noisy: text has repeated spaces, list attributes
// repeat values, and timestamps arrive as seconds or milliseconds, either as
// numbers or strings. FromRaw turns one such object into a Resource, the only
// shape the cache stores.
//
// # Catalog record
//
//	{
//	  "index_name": "6176ee09-3d56-4a3b-8115-21841576b2f6",
//	  "title": "Daily Market Prices  of Commodity",
//	  "org": ["Ministry of Agriculture and Farmers Welfare"],
//	  "org_type": "Central",
//	  "sector": ["Agriculture", "Agricultural Marketing"],
//	  "field": [{"id": "state", "name": "State", "type": "keyword"}],
//	  "created": 1616142290,
//	  "updated": 1711527018
//	}
//
// # Rules
//
//   - index_name must be exactly 36 characters, otherwise the record is skipped
//   - org_type and source are lower-cased; source defaults to data.gov.in
//   - org, sector and field ids are deduplicated and sorted
//   - timestamps are stored in UTC
package schema
