package middleware

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/JonMunkholm/bulkwaste/internal/logging"
)

// AccountHeader names the tenant a request acts for.
const AccountHeader = "X-Account-ID"

// maxAccountIDLen bounds the header so it is safe to log and store.
const maxAccountIDLen = 128

// Tenant reads the account from the X-Account-ID header and stores it on
// the request context for the service layer. Requests without one are
// rejected, since every batch belongs to exactly one account.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := strings.TrimSpace(r.Header.Get(AccountHeader))
		if account == "" || len(account) > maxAccountIDLen {
			writeJSONError(w, http.StatusBadRequest, "missing or invalid account", "AUTH_MISSING_ACCOUNT")
			return
		}

		ctx := core.ContextWithAccountID(r.Context(), account)
		ctx = logging.ContextWith(ctx, "account_id", account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
