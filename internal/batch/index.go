// Package batch packs many logical REST requests into one multipart/mixed
// call to the service's $batch endpoint and settles each request with its
// own part of the response.
//
// Reads are sent as standalone parts and writes are grouped into
// changesets. Part headers use the configured defaults, never the
// transport's credentials. All requests of a batch must name the same
// transport.
//
// Batches can be built by hand and run with Executor.Execute, or fed one
// request at a time to an Aggregator:
//
//	{
//	  "batching": {
//	    "enabled": true,
//	    "maxSize": 100,
//	    "maxWait": 50
//	  }
//	}
package batch
