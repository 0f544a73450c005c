package agent

import (
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves requests as if the agent controlled the page. Origin-form
// requests (a bare path) are re-addressed to the app origin; absolute-form
// proxy requests keep their target, so external API hosts are passed
// through. Either way the request runs through Fetch, or is forwarded
// untouched when Fetch declines it.
func (a *Agent) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := r.Clone(r.Context())
		out.RequestURI = ""
		if out.URL.IsAbs() {
			out.Host = out.URL.Host
		} else {
			out.URL.Scheme = a.origin.Scheme
			out.URL.Host = a.origin.Host
			out.Host = a.origin.Host
		}

		resp, handled := a.Fetch(out)
		if !handled {
			var err error
			resp, err = a.fetcher.Do(out)
			if err != nil {
				a.log.Debug("passthrough failed", zap.String("url", out.URL.String()), zap.Error(err))
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
		}
		defer resp.Body.Close()

		for k, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			a.log.Debug("copy response", zap.Error(err))
		}
	})
}
