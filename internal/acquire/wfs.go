package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/retry"
)

var numberMatchedRe = regexp.MustCompile(`numberMatched="([^"]*)"`)

// wfsAdapter pages through a WFS 2.0 feature type. A page that returns fewer
// features than the server promised is fetched again with a smaller page
// size; at a page size of one it is retried under the fetch policy. When the
// server does not know its feature count, paging ends at the first short page.
type wfsAdapter struct {
	f        *fetcher
	pageSize int
}

func (a *wfsAdapter) fetch(ctx context.Context, src catalog.Source, dst string) error {
	total, known, err := a.hits(ctx, src)
	if err != nil {
		return err
	}
	if known {
		slog.Debug("WFS feature count", logfields.URL(src.URL), slog.Int("features", total))
	} else {
		slog.Debug("WFS feature count unknown, paging to the end", logfields.URL(src.URL))
	}

	fc := geojson.NewFeatureCollection()
	size := max(a.pageSize, 1)
	for start := 0; !known || start < total; {
		if !known {
			page, err := a.page(ctx, src, start, size)
			if err != nil {
				return err
			}
			got := min(len(page.Features), size)
			for _, ft := range page.Features[:got] {
				fc.Append(ft)
			}
			start += got
			if got < size {
				break
			}
			continue
		}

		want := min(size, total-start)
		var page *geojson.FeatureCollection
		if size == 1 {
			page, err = a.fullPage(ctx, src, start, want)
		} else {
			page, err = a.page(ctx, src, start, size)
		}
		if err != nil {
			return err
		}
		if got := len(page.Features); got < want {
			size = max(size/2, 1)
			slog.Warn("WFS page short, narrowing page size",
				logfields.URL(src.URL),
				slog.Int("start", start),
				slog.Int("expected", want),
				slog.Int("received", got),
				slog.Int("page_size", size))
			continue
		}
		for _, ft := range page.Features[:want] {
			fc.Append(ft)
		}
		start += want
	}

	_, err = writeAtomic(dst, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(fc)
	})
	return err
}

// fullPage fetches one page until it holds want features, waiting between
// attempts under the fetch policy. Only cancellation and permanent request
// errors end it.
func (a *wfsAdapter) fullPage(ctx context.Context, src catalog.Source, start, want int) (*geojson.FeatureCollection, error) {
	var page *geojson.FeatureCollection
	notify := func(attempt int, delay time.Duration, err error) {
		a.f.recorder.IncDownloadRetry(catalog.FormatWFS.String())
		slog.Warn("WFS page short at minimum page size, retrying",
			logfields.URL(src.URL),
			logfields.Attempt(attempt),
			slog.Duration("delay", delay),
			logfields.Error(err))
	}
	err := retry.Forever(ctx, a.f.policy, notify, func(ctx context.Context) error {
		p, err := a.page(ctx, src, start, want)
		if err != nil {
			return retry.Permanent(err)
		}
		if got := len(p.Features); got < want {
			return fmt.Errorf("wfs page at %d returned %d of %d features", start, got, want)
		}
		page = p
		return nil
	})
	return page, err
}

// hits asks for the matched feature count. known is false when the server
// answers "unknown" or leaves the count out.
func (a *wfsAdapter) hits(ctx context.Context, src catalog.Source) (total int, known bool, err error) {
	q := wfsQuery(src)
	q.Set("resultType", "hits")
	err = a.f.do(ctx, catalog.FormatWFS.String(), withQuery(src.URL, q), func(r io.Reader) error {
		body, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		m := numberMatchedRe.FindSubmatch(body)
		if m == nil {
			return nil
		}
		n, convErr := strconv.Atoi(string(m[1]))
		if convErr != nil {
			return nil
		}
		total, known = n, true
		return nil
	})
	return total, known, err
}

func (a *wfsAdapter) page(ctx context.Context, src catalog.Source, start, count int) (*geojson.FeatureCollection, error) {
	q := wfsQuery(src)
	q.Set("outputFormat", "application/json")
	q.Set("srsName", "EPSG:4326")
	q.Set("startIndex", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(count))
	var fc *geojson.FeatureCollection
	err := a.f.do(ctx, catalog.FormatWFS.String(), withQuery(src.URL, q), func(r io.Reader) error {
		body, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		fc, err = geojson.UnmarshalFeatureCollection(body)
		return err
	})
	return fc, err
}

func wfsQuery(src catalog.Source) url.Values {
	q := url.Values{}
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "GetFeature")
	if src.Layer != "" {
		q.Set("typeNames", src.Layer)
	}
	return q
}

// withQuery merges q into any query already present on base.
func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + q.Encode()
	}
	existing := u.Query()
	for k := range existing {
		// provider URLs often carry their own request/service keys
		if _, clash := q[k]; clash || strings.EqualFold(k, "request") || strings.EqualFold(k, "service") {
			existing.Del(k)
		}
	}
	for k, vs := range q {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
