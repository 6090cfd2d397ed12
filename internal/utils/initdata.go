package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InitDataMaxAge is how long a Mini App launch payload stays acceptable.
const InitDataMaxAge = 3600 * time.Second

const webAppDataKey = "WebAppData"

var (
	ErrInitDataMissing   = errors.New("init data is empty")
	ErrInitDataMalformed = errors.New("init data is malformed")
	ErrInitDataExpired   = errors.New("init data is expired")
	ErrInitDataSignature = errors.New("init data signature mismatch")
)

// TelegramUser is the "user" object embedded into Mini App launch data.
type TelegramUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
}

// InitData is a verified launch payload.
type InitData struct {
	User       TelegramUser
	AuthDate   time.Time
	QueryID    string
	StartParam string
}

// ValidateInitData verifies the launch payload signed by the bot and returns its user.
// Any problem yields an error; callers treat every error as unauthenticated.
func ValidateInitData(raw, botToken string, now time.Time) (*InitData, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || botToken == "" {
		return nil, ErrInitDataMissing
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, ErrInitDataMalformed
	}

	received := values.Get("hash")
	if received == "" {
		return nil, ErrInitDataMalformed
	}

	fields := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) != 1 {
			return nil, ErrInitDataMalformed
		}
		if key == "hash" {
			continue
		}
		fields[key] = vals[0]
	}

	authUnix, err := strconv.ParseInt(fields["auth_date"], 10, 64)
	if err != nil || authUnix <= 0 {
		return nil, ErrInitDataMalformed
	}
	authDate := time.Unix(authUnix, 0)
	if now.Sub(authDate) > InitDataMaxAge {
		return nil, ErrInitDataExpired
	}

	expected := signFields(fields, botToken)
	receivedBytes, err := hex.DecodeString(received)
	if err != nil {
		return nil, ErrInitDataSignature
	}
	if !hmac.Equal(expected, receivedBytes) {
		return nil, ErrInitDataSignature
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(fields["user"]), &user); err != nil || user.ID == 0 {
		return nil, ErrInitDataMalformed
	}

	return &InitData{
		User:       user,
		AuthDate:   authDate,
		QueryID:    fields["query_id"],
		StartParam: fields["start_param"],
	}, nil
}

// SignInitData returns values encoded with a valid hash for botToken.
func SignInitData(values url.Values, botToken string) string {
	fields := make(map[string]string, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		fields[key] = values.Get(key)
	}

	signed := url.Values{}
	for key, val := range fields {
		signed.Set(key, val)
	}
	signed.Set("hash", hex.EncodeToString(signFields(fields, botToken)))
	return signed.Encode()
}

func signFields(fields map[string]string, botToken string) []byte {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+fields[key])
	}

	secret := hmac.New(sha256.New, []byte(webAppDataKey))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return mac.Sum(nil)
}
