// Package reviewurl maps a product detail URL to the URL of its reviews
// listing.
//
// Product pages look like <prefix>/p/<id>?..., reviews listings like
// <prefix>/product-reviews/<id>?.... Only whitelisted query parameters are
// carried over so that tracking parameters never leave the page.
package reviewurl

import (
	"net/url"
	"regexp"
	"strings"
)

// Params is the ordered whitelist of query parameters kept by Derive.
var Params = []string{"pid", "lid", "marketplace"}

var (
	productRe = regexp.MustCompile(`^(.*)/p/([^/?]+)`)
	reviewsRe = regexp.MustCompile(`^(.*)/product-reviews/([^/?]+)`)
)

// Derive returns the reviews-listing URL for productURL, or "" when
// productURL is not a product page or cannot be parsed. It never panics.
func Derive(productURL string) string {
	u, err := url.Parse(strings.TrimSpace(productURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	m := productRe.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return ""
	}
	prefix, id := m[1], m[2]

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(prefix)
	b.WriteString("/product-reviews/")
	b.WriteString(id)

	if q := whitelist(u.Query()); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// ProductID extracts the product id from either a product URL or a
// reviews-listing URL. It returns "" when neither pattern matches.
func ProductID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	if m := reviewsRe.FindStringSubmatch(u.EscapedPath()); m != nil {
		return m[2]
	}
	if m := productRe.FindStringSubmatch(u.EscapedPath()); m != nil {
		return m[2]
	}
	return ""
}

// IsProductPage reports whether Derive would produce a URL.
func IsProductPage(rawURL string) bool {
	return Derive(rawURL) != ""
}

// whitelist encodes the first value of each whitelisted key, in the order of
// Params.
func whitelist(q url.Values) string {
	var parts []string
	for _, key := range Params {
		vals, ok := q[key]
		if !ok || len(vals) == 0 {
			continue
		}
		parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(vals[0]))
	}
	return strings.Join(parts, "&")
}
