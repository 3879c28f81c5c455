// Package sync refreshes the local metadata cache from the OGD catalog.
//
// Overview
//
// The remote catalog is served page by page by GET /lists. The syncer walks
// those pages, normalizes each record with schema.FromRaw and upserts it into
// the cache:
//
//	api.data.gov.in/lists  (offset/limit pages)
//	         ↓
//	      Syncer   (schema.FromRaw per record)
//	         ↓
//	  metadata.db  (one transaction per page)
//
// Full refresh
//
// Pages are requested oldest first by creation time. Every page is written
// together with the offset of the next page, so an interrupted refresh keeps
// the pages it stored and the next full refresh continues from the failed
// page. Rows carry the generation of the run that wrote them; once a run
// reaches the end of the catalog, rows from other generations are deleted.
// Use RefreshOptions.Restart to discard an interrupted run.
//
// Incremental refresh
//
// The catalog is read newest first by update time, starting with pages of 10
// records and doubling up to the page size, until a page reaches a record
// whose cached update time is not older than the remote one. A second pass by
// creation time picks up new records. Nothing is deleted. Without a completed
// full refresh an incremental request runs a full refresh.
//
// Usage
//
//	syncer := sync.New(database, client, logger)
//	res, err := syncer.Refresh(ctx, sync.RefreshOptions{})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("%d resources cached\n", res.Processed)
//
// Error Handling
//
// Malformed catalog records are logged and skipped. Network, remote API and
// cache errors end the refresh and are returned with their kind intact.
//
// Concurrency
//
// A Syncer is meant for a single caller. The cache has one writer; running
// refreshes from several processes against one cache file is not supported.
package sync
