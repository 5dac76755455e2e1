package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mbras/feed-analyzer/internal/engine"
	"github.com/mbras/feed-analyzer/internal/ingest"
)

// reservedTimeWindow is rejected with 422 until the windowed variant
// of the engine ships.
const reservedTimeWindow = 123

// maxContentRunes caps message content length after trimming.
const maxContentRunes = 280

var userIDPattern = regexp.MustCompile(`(?i)^user_[a-z0-9_]{3,}$`)

// apiError is a rejected request: HTTP status, stable error code and
// the user-facing message.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(code, message string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: code, message: message}
}

// validateOnline checks an inline analysis body and returns the
// normalized feed. String fields are trimmed before any length or
// format rule applies.
func validateOnline(body map[string]json.RawMessage) ([]engine.Message, int, *apiError) {
	window, ok := intValue(body["time_window_minutes"])
	if !ok {
		return nil, 0, badRequest("INVALID_TIME_WINDOW", "Janela temporal invalida.")
	}
	if window == reservedTimeWindow {
		return nil, 0, &apiError{
			status:  http.StatusUnprocessableEntity,
			code:    "UNSUPPORTED_TIME_WINDOW",
			message: "Valor de janela temporal não suportado na versão atual",
		}
	}
	if window <= 0 {
		return nil, 0, badRequest("INVALID_TIME_WINDOW", "Janela temporal invalida.")
	}

	rawMessages, ok := listItems(body["messages"])
	if !ok || len(rawMessages) == 0 {
		return nil, 0, badRequest("INVALID_MESSAGES", "Lista de mensagens invalida.")
	}

	msgs := make([]engine.Message, 0, len(rawMessages))
	for _, raw := range rawMessages {
		msg, aerr := validateMessage(raw)
		if aerr != nil {
			return nil, 0, aerr
		}
		msgs = append(msgs, msg)
	}
	return msgs, window, nil
}

func validateMessage(raw json.RawMessage) (engine.Message, *apiError) {
	var zero engine.Message

	fields, ok := objectFields(raw)
	if !ok {
		return zero, badRequest("INVALID_MESSAGE", "Mensagem invalida.")
	}

	userID, ok := stringValue(fields["user_id"])
	if !ok {
		return zero, badRequest("INVALID_USER_ID", "user_id invalido.")
	}
	userID = strings.TrimSpace(userID)
	if !userIDPattern.MatchString(userID) && !isUUID(userID) {
		return zero, badRequest("INVALID_USER_ID", "user_id invalido.")
	}

	content, ok := stringValue(fields["content"])
	if !ok {
		return zero, badRequest("INVALID_CONTENT", "Conteudo invalido.")
	}
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > maxContentRunes {
		return zero, badRequest("INVALID_CONTENT", "Conteudo invalido.")
	}

	tsValue, ok := stringValue(fields["timestamp"])
	if !ok {
		return zero, badRequest("INVALID_TIMESTAMP", "Timestamp invalido.")
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(tsValue))
	if err != nil {
		return zero, badRequest("INVALID_TIMESTAMP", "Timestamp invalido.")
	}

	rawTags, ok := listItems(fields["hashtags"])
	if !ok {
		return zero, badRequest("INVALID_HASHTAGS", "Hashtags invalidas.")
	}
	tags := make([]string, 0, len(rawTags))
	for _, rawTag := range rawTags {
		tag, ok := stringValue(rawTag)
		if !ok {
			return zero, badRequest("INVALID_HASHTAGS", "Hashtags invalidas.")
		}
		tag = strings.TrimSpace(tag)
		if !strings.HasPrefix(tag, "#") || utf8.RuneCountInString(tag) < 2 {
			return zero, badRequest("INVALID_HASHTAGS", "Hashtags invalidas.")
		}
		tags = append(tags, tag)
	}

	reactions, aerr := countField(fields, "reactions", "INVALID_REACTIONS")
	if aerr != nil {
		return zero, aerr
	}
	shares, aerr := countField(fields, "shares", "INVALID_SHARES")
	if aerr != nil {
		return zero, aerr
	}
	views, aerr := countField(fields, "views", "INVALID_VIEWS")
	if aerr != nil {
		return zero, aerr
	}
	if views < reactions+shares {
		return zero, badRequest("INVALID_VIEWS", "Views invalidas.")
	}

	return engine.Message{
		UserID:    userID,
		Content:   content,
		Timestamp: ts,
		Hashtags:  tags,
		Reactions: reactions,
		Shares:    shares,
		Views:     views,
	}, nil
}

// validateBulk checks a batch body and returns the items ready for
// the fast path. Extra item keys pass through untouched; only user_id
// is rewritten, to its trimmed form.
func validateBulk(body map[string]json.RawMessage) ([]ingest.Item, *apiError) {
	rawItems, ok := listItems(body["items"])
	if !ok || len(rawItems) == 0 {
		return nil, badRequest("INVALID_ITEMS", "Lista de itens invalida.")
	}
	if len(rawItems) > ingest.MaxBatchItems {
		return nil, badRequest("BATCH_LIMIT_EXCEEDED", "Lote excede o limite de 1000 itens.")
	}

	items := make([]ingest.Item, 0, len(rawItems))
	for idx, raw := range rawItems {
		item, aerr := validateBulkItem(idx, raw)
		if aerr != nil {
			return nil, aerr
		}
		items = append(items, item)
	}
	return items, nil
}

func validateBulkItem(idx int, raw json.RawMessage) (ingest.Item, *apiError) {
	fields, ok := objectFields(raw)
	if !ok {
		return nil, badRequest("INVALID_ITEM", fmt.Sprintf("Item %d invalido.", idx))
	}

	userID, ok := stringValue(fields["user_id"])
	userID = strings.TrimSpace(userID)
	if !ok || userID == "" {
		return nil, badRequest("INVALID_USER_ID", fmt.Sprintf("Item %d sem user_id.", idx))
	}
	fields["user_id"], _ = json.Marshal(userID)

	sentiment, ok := objectFields(fields["sentiment_distribution"])
	if !ok {
		return nil, badRequest("INVALID_SENTIMENT_DISTRIBUTION", fmt.Sprintf("Item %d com sentiment_distribution invalida.", idx))
	}
	for _, key := range [...]string{"positive", "negative", "neutral"} {
		if !numberToken(sentiment[key]) {
			return nil, badRequest("INVALID_SENTIMENT_DISTRIBUTION", fmt.Sprintf("Item %d com sentiment_distribution invalida.", idx))
		}
	}

	if rawFlags, present := fields["flags"]; present && !nullToken(rawFlags) {
		flags, ok := objectFields(rawFlags)
		if !ok {
			return nil, badRequest("INVALID_FLAGS", fmt.Sprintf("Item %d com flags invalidas.", idx))
		}
		for _, key := range [...]string{"mbras_employee", "special_pattern", "candidate_awareness"} {
			if rawFlag, present := flags[key]; present && !boolToken(rawFlag) {
				return nil, badRequest("INVALID_FLAGS", fmt.Sprintf("Item %d com flags invalidas.", idx))
			}
		}
	}

	if rawRanking, present := fields["influence_ranking"]; present && !nullToken(rawRanking) {
		if _, ok := listItems(rawRanking); !ok {
			return nil, badRequest("INVALID_INFLUENCE_RANKING", fmt.Sprintf("Item %d com influence_ranking invalido.", idx))
		}
	}

	return ingest.Item(fields), nil
}

// countField reads an optional non-negative counter, defaulting to
// zero when the key is absent.
func countField(fields map[string]json.RawMessage, key, code string) (int, *apiError) {
	raw, present := fields[key]
	if !present {
		return 0, nil
	}
	n, ok := intValue(raw)
	if !ok || n < 0 {
		return 0, badRequest(code, "Valor numerico invalido.")
	}
	return n, nil
}

// objectFields unwraps a JSON object token. ok is false for null,
// scalars, arrays and malformed input.
func objectFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// listItems unwraps a JSON array token.
func listItems(raw json.RawMessage) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false
	}
	return items, true
}

// stringValue unwraps a JSON string token. null is not a string.
func stringValue(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

// intValue parses a strict integer token. Floats, quoted numbers and
// booleans do not qualify.
func intValue(raw json.RawMessage) (int, bool) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// numberToken reports whether raw is a JSON number.
func numberToken(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	if c := trimmed[0]; c != '-' && (c < '0' || c > '9') {
		return false
	}
	var f float64
	return json.Unmarshal(trimmed, &f) == nil
}

func boolToken(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "true", "false":
		return true
	}
	return false
}

func nullToken(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
