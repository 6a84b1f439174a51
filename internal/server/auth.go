package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"digiqc/internal/auth"
	"digiqc/internal/events"
	"digiqc/internal/remote"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// actorID is the principal's user id, or "" for unauthenticated calls.
func actorID(ctx context.Context) string {
	p, _ := principalFromContext(ctx)
	return p.UserID
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicPaths are reachable without a token.
func publicPaths(basePath string) map[string]bool {
	out := map[string]bool{}
	for _, p := range []string{"health", "auth/otp/send", "auth/otp/verify", "auth/dev/login", "openapi.json"} {
		out[path.Join(basePath, p)] = true
	}
	return out
}

func newAuthMiddleware(basePath string, cfg Config) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			token := ""
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				t, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				token = t
			} else if websocketUpgrade(req) {
				// Browsers cannot set headers on websocket handshakes.
				token = req.URL.Query().Get("access_token")
			}
			if token == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, err := cfg.Issuer.Verify(token)
			if err != nil {
				cfg.logger().WithError(err).Debug("rejected api token")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "send-otp",
		Method:      http.MethodPost,
		Path:        "/auth/otp/send",
		Summary:     "Validate a phone number or email and send a one-time code",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SendOTPRequest `json:"body"`
	}) (*struct {
		Body SendOTPResponse `json:"body"`
	}, error) {
		if cfg.Sessions == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "login is not configured", nil)
		}
		id, err := cfg.Sessions.SendOTP(ctx, input.Body.Identifier, input.Body.CountryCode)
		if err != nil {
			return nil, remoteAware(err)
		}
		return &struct {
			Body SendOTPResponse `json:"body"`
		}{Body: SendOTPResponse{Identifier: id.Value, LoginType: id.LoginType, Message: "OTP Sent Successfully!"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-otp",
		Method:      http.MethodPost,
		Path:        "/auth/otp/verify",
		Summary:     "Exchange a one-time code for an API token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body VerifyOTPRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if cfg.Sessions == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "login is not configured", nil)
		}
		s, err := cfg.Sessions.VerifyOTP(ctx, input.Body.Identifier, input.Body.OTP)
		if err != nil {
			return nil, remoteAware(err)
		}
		token, exp, err := cfg.Issuer.Mint(s)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Engine.RecordAuth(ctx, events.AuthLogin, s.User.ID, events.EventPayload{"login_type": s.LoginType})
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			Token:     token,
			ExpiresAt: exp.UTC().Format(time.RFC3339),
			User:      userResponse(s.User),
			Message:   welcome(s.User),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "Forget the stored backend session",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if cfg.Sessions != nil {
			if err := cfg.Sessions.Logout(ctx); err != nil {
				return nil, handleError(err)
			}
		}
		cfg.Engine.RecordAuth(ctx, events.AuthLogout, principal.UserID, nil)
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := WhoAmIResponse{
			UserID:     principal.UserID,
			Name:       principal.Name,
			Identifier: principal.Identifier,
			Source:     principal.Source,
		}
		if cfg.Sessions != nil {
			if s, err := cfg.Sessions.Current(ctx); err == nil {
				u := userResponse(s.User)
				resp.BackendUser = &u
				resp.SessionExpiresAt = s.ExpiresAt
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, cfg Config) {
	if !cfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a token without an OTP round trip",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		s := auth.Session{User: remote.TenantUser{ID: userID, FirstName: input.Body.Name}, Identifier: userID, LoginType: "dev"}
		token, exp, err := cfg.Issuer.Mint(s)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339), User: userResponse(s.User)}}, nil
	})
}

// remoteAware maps backend failures to 502 and everything else via handleError.
func remoteAware(err error) huma.StatusError {
	if errors.Is(err, auth.ErrBackendUnavailable) {
		return newAPIError(http.StatusBadGateway, "upstream_error", "The inspection backend could not be reached. Please try again.", map[string]any{"error": err.Error()})
	}
	return handleError(err)
}

func welcome(u remote.TenantUser) string {
	if u.FirstName == "" {
		return "Welcome"
	}
	return "Welcome, " + u.FirstName
}
