package app

import (
	"net/http"
	"net/url"

	"oidcrp/rp"
)

// httpNavigator adapts one request/response pair to the protocol client's
// navigation capability: the current URL is the request URL and a redirect
// is a 302 response. It is valid for a single request only.
type httpNavigator struct {
	w          http.ResponseWriter
	r          *http.Request
	current    *url.URL
	redirected bool
}

func newHTTPNavigator(w http.ResponseWriter, r *http.Request, publicURL string) *httpNavigator {
	current := *r.URL
	if base, err := url.Parse(publicURL); err == nil {
		current.Scheme = base.Scheme
		current.Host = base.Host
	}
	return &httpNavigator{w: w, r: r, current: &current}
}

func (n *httpNavigator) CurrentURL() *url.URL { return n.current }

func (n *httpNavigator) Redirect(target string) error {
	n.redirected = true
	http.Redirect(n.w, n.r, target, http.StatusFound)
	return nil
}

var _ rp.Navigator = (*httpNavigator)(nil)
