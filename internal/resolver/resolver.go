// Package resolver decides whether a pull request satisfies a condition,
// answering from the cache first and revalidating against GitHub when the
// cached answer is not yet true.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	gh "github.com/google/go-github/v75/github"

	"github.com/marcin-skalski/pr-reactions/internal/cache"
	"github.com/marcin-skalski/pr-reactions/internal/github"
	"github.com/marcin-skalski/pr-reactions/internal/message"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
)

type Condition int

const (
	Merged Condition = iota
	Approved
)

func (c Condition) String() string {
	switch c {
	case Merged:
		return "merged"
	case Approved:
		return "approved"
	default:
		return "unknown"
	}
}

// Kind is the cache entry kind holding the data the condition is derived
// from.
func (c Condition) Kind() string {
	if c == Approved {
		return "reviews"
	}
	return "details"
}

// validator returns the cached header to revalidate with and the request
// header it is sent as.
func (c Condition) validator() (cached, request string) {
	if c == Approved {
		return "ETag", "If-None-Match"
	}
	return "Last-Modified", "If-Modified-Since"
}

const reviewsPerPage = 100

// lastPageHeader is stored next to the validators of a review list and
// holds the number of pages the list spanned when it was fetched.
const lastPageHeader = "X-Last-Page"

// Fetcher is the subset of the GitHub client the resolver needs.
type Fetcher interface {
	Do(ctx context.Context, r github.Request) github.Response
}

type Resolver struct {
	client  Fetcher
	store   *cache.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(client Fetcher, store *cache.Store, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:  client,
		store:   store,
		metrics: m,
		logger:  logger.With("component", "resolver"),
	}
}

// Resolve reports whether ref currently satisfies cond. Failures of any
// kind resolve to false; the caller retries on the next cycle.
func (r *Resolver) Resolve(ctx context.Context, ref message.Reference, cond Condition) bool {
	logger := r.logger.With("ref", ref.String(), "condition", cond.String())
	resource, kind := ref.Path(), cond.Kind()

	cached, hit, err := r.store.Load(resource, kind)
	switch {
	case err != nil:
		logger.Warn("cache read failed, refetching", "err", err)
		r.metrics.CacheLookup(kind, "error")
		hit = false
	case hit:
		r.metrics.CacheLookup(kind, "hit")
	default:
		r.metrics.CacheLookup(kind, "miss")
	}

	if hit && evaluate(cond, cached.Payload, logger) {
		logger.Debug("condition satisfied from cache")
		return true
	}

	header := http.Header{}
	lastPage := 0
	if hit {
		cachedName, requestName := cond.validator()
		if v := cached.Header(cachedName); v != "" {
			header.Set(requestName, v)
		}
		lastPage, _ = strconv.Atoi(cached.Header(lastPageHeader))
	}

	resp := r.fetch(ctx, ref, cond, header, lastPage)
	switch resp.Status {
	case github.StatusNotModified:
		logger.Debug("unchanged since last fetch")
		return false
	case github.StatusEmpty:
		logger.Debug("no data, will retry next cycle", "status_code", resp.StatusCode)
		return false
	}

	entry := cache.Entry{Headers: validators(resp.Header), Payload: resp.Body}
	if err := r.store.Put(resource, kind, entry); err != nil {
		logger.Warn("cache write failed", "err", err)
	}
	ok := evaluate(cond, resp.Body, logger)
	logger.Debug("resolved from api", "satisfied", ok)
	return ok
}

func (r *Resolver) fetch(ctx context.Context, ref message.Reference, cond Condition, header http.Header, lastPage int) github.Response {
	route := "repos/" + ref.Owner + "/" + ref.Repo + "/pulls/" + strconv.Itoa(ref.Number)
	if cond == Merged {
		return r.client.Do(ctx, github.Request{Route: route, Header: header})
	}
	return r.fetchReviews(ctx, route+"/reviews", header, lastPage)
}

func reviewsQuery(page int) url.Values {
	q := url.Values{"per_page": {strconv.Itoa(reviewsPerPage)}}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	return q
}

// fetchReviews follows pagination and concatenates every page into one
// JSON array. New reviews are appended to the end of the list, so the
// validator belongs to the last page: a cached list of several pages is
// revalidated against its last page and refetched in full when that page
// changed. A failure on any page discards the whole fetch.
func (r *Resolver) fetchReviews(ctx context.Context, route string, header http.Header, lastPage int) github.Response {
	if lastPage > 1 && header.Get("If-None-Match") != "" {
		tail := r.client.Do(ctx, github.Request{Route: route, Header: header, Query: reviewsQuery(lastPage)})
		if tail.Status != github.StatusOK {
			return tail
		}
		header = nil
	}

	first := r.client.Do(ctx, github.Request{Route: route, Header: header, Query: reviewsQuery(1)})
	if first.Status != github.StatusOK {
		return first
	}

	last, pages := first, 1
	var all []json.RawMessage
	if err := json.Unmarshal(first.Body, &all); err != nil {
		r.logger.Warn("decode reviews page", "route", route, "page", 1, "err", err)
		return github.Response{}
	}

	for page := first.NextPage; page != 0; {
		resp := r.client.Do(ctx, github.Request{Route: route, Query: reviewsQuery(page)})
		if resp.Status != github.StatusOK {
			r.logger.Warn("reviews page failed, discarding fetch", "route", route, "page", page, "status", resp.Status)
			return github.Response{StatusCode: resp.StatusCode}
		}
		var items []json.RawMessage
		if err := json.Unmarshal(resp.Body, &items); err != nil {
			r.logger.Warn("decode reviews page", "route", route, "page", page, "err", err)
			return github.Response{}
		}
		all = append(all, items...)
		last, pages = resp, page
		page = resp.NextPage
	}

	out := last
	out.Header = last.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set(lastPageHeader, strconv.Itoa(pages))
	out.NextPage = 0
	if pages == 1 {
		return out
	}
	body, err := json.Marshal(all)
	if err != nil {
		return github.Response{}
	}
	out.Body = body
	return out
}

// validators picks the revalidation headers out of a response.
func validators(h http.Header) map[string]string {
	out := map[string]string{}
	for _, name := range []string{"ETag", "Last-Modified", lastPageHeader} {
		if v := h.Get(name); v != "" {
			out[http.CanonicalHeaderKey(name)] = v
		}
	}
	return out
}

func evaluate(cond Condition, payload json.RawMessage, logger *slog.Logger) bool {
	if len(bytes.TrimSpace(payload)) == 0 {
		return false
	}
	switch cond {
	case Merged:
		var pr gh.PullRequest
		if err := json.Unmarshal(payload, &pr); err != nil {
			logger.Warn("decode pull request", "err", err)
			return false
		}
		return pr.GetMerged()
	case Approved:
		var reviews []*gh.PullRequestReview
		if err := json.Unmarshal(payload, &reviews); err != nil {
			logger.Warn("decode reviews", "err", err)
			return false
		}
		return approved(reviews)
	}
	return false
}

// approved reports whether the most recent review is an approval.
func approved(reviews []*gh.PullRequestReview) bool {
	if len(reviews) == 0 {
		return false
	}
	return reviews[len(reviews)-1].GetState() == "APPROVED"
}
