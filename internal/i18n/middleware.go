package i18n

import "net/http"

// Middleware answers each request in the language negotiated from its
// Accept-Language header and reports it in Content-Language.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := Negotiate(r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", lang)
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), NewLocalizer(lang))))
		})
	}
}
