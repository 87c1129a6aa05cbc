package httpmw

import (
	"net/http"

	"github.com/kordahl/insight-server/internal/log"
	"github.com/kordahl/insight-server/internal/xerrors"
)

// Recover converts handler panics into a 500 response and one error log line.
// onPanic, if set, fires after logging (prometheus counter, alert hook).
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// a client disconnect mid-write is not a server bug
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.EnsureTrace(e)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				if L != nil {
					L.Error(r.Context(), err, "panic recovered in http handler",
						"method", r.Method,
						"path", r.URL.Path,
					)
				}
				if onPanic != nil {
					onPanic()
				}

				// headers may already be gone; best effort
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
