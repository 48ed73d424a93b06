package http

import "github.com/go-chi/chi/v5"

// Routes mounts every service route on a fresh chi router.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/users", h.CreateUser)
	r.Get("/v1/users/{userID}/passkeys", h.ListPasskeys)
	r.Route("/v1/passkeys", func(r chi.Router) {
		r.Post("/registration/begin", h.BeginRegistration)
		r.Post("/registration/finish", h.FinishRegistration)
		r.Post("/login/begin", h.BeginLogin)
		r.Post("/login/finish", h.FinishLogin)
		r.Delete("/{credentialID}", h.DeletePasskey)
	})
	return r
}
