// Package cloudflare implements engine.DNSProvider against the Cloudflare v4
// API.
//
// Every response is wrapped in the {success, errors, result, result_info}
// envelope; a 2xx answer with success=false is treated as a permanent
// provider failure. UpsertRecord lists the records sharing the desired
// record's type and name, updates the one with the same identity in place,
// and creates a record only when none matches.
package cloudflare
