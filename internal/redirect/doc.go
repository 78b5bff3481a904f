// Package redirect resolves the final destination of a URL.
//
// A walk repeatedly fetches the current URL, classifies the response as an
// HTTP redirect, a meta-refresh redirect, a terminal page or a fetch error,
// and records every visited URL together with the tracking counters found in
// the fetched pages. Walks are bounded by a hop limit and stop early at
// dead-end hosts.
package redirect
