// Package middleware содержит HTTP middleware сервиса обмена звёзд.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const userIDKey contextKey = "userID"

const (
	authScheme        = "tma "
	webAppKeySeed     = "WebAppData"
	webhookHeaderName = "X-Telegram-Bot-Api-Secret-Token"
)

// AuthMiddleware проверяет подпись initData мини-приложения Telegram,
// переданную в заголовке Authorization: tma <initData>.
type AuthMiddleware struct {
	secretKey []byte
	maxAge    time.Duration
	now       func() time.Time
}

// NewAuthMiddleware создаёт AuthMiddleware для токена бота. initData старше maxAge
// отклоняется; нулевое значение отключает проверку возраста.
func NewAuthMiddleware(botToken string, maxAge time.Duration) *AuthMiddleware {
	mac := hmac.New(sha256.New, []byte(webAppKeySeed))
	mac.Write([]byte(botToken))

	return &AuthMiddleware{
		secretKey: mac.Sum(nil),
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Middleware проверяет initData и добавляет идентификатор пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, authScheme) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, ok := a.parseInitData(strings.TrimPrefix(header, authScheme))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// SignInitData формирует подписанную строку initData для пользователя.
func (a *AuthMiddleware) SignInitData(userID int64, authDate time.Time) string {
	user, _ := json.Marshal(struct {
		ID int64 `json:"id"`
	}{ID: userID})

	vals := url.Values{}
	vals.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	vals.Set("user", string(user))
	vals.Set("hash", a.sign(vals))
	return vals.Encode()
}

func (a *AuthMiddleware) sign(vals url.Values) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+vals.Get(k))
	}

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseInitData(raw string) (int64, bool) {
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return 0, false
	}

	hash := vals.Get("hash")
	if hash == "" || !hmac.Equal([]byte(hash), []byte(a.sign(vals))) {
		return 0, false
	}

	authDate, err := strconv.ParseInt(vals.Get("auth_date"), 10, 64)
	if err != nil {
		return 0, false
	}
	if a.maxAge > 0 && a.now().Sub(time.Unix(authDate, 0)) > a.maxAge {
		return 0, false
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(vals.Get("user")), &user); err != nil || user.ID <= 0 {
		return 0, false
	}

	return user.ID, true
}

// RequireAdmin пропускает только пользователей, для которых isAdmin возвращает true.
func RequireAdmin(isAdmin func(userID int64) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserIDFromContext(r.Context())
			if !ok || !isAdmin(userID) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookSecret проверяет секретный заголовок, который Bot API передаёт с каждым обновлением.
// Пустой secret отключает проверку.
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(webhookHeaderName)), []byte(secret)) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUserID возвращает контекст с идентификатором пользователя.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
