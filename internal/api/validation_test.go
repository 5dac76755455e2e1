package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	return body
}

// onlineBody wraps a single message fragment into a complete inline
// request with a valid window.
func onlineBody(t *testing.T, message string) map[string]json.RawMessage {
	t.Helper()
	return decodeBody(t, `{"time_window_minutes":60,"messages":[`+message+`]}`)
}

const validMessage = `{
	"user_id": "user_alpha",
	"content": "Adorei o produto",
	"timestamp": "2026-02-20T13:00:00Z",
	"hashtags": ["#go"],
	"reactions": 2,
	"shares": 1,
	"views": 50
}`

func TestValidateOnlineWindowRules(t *testing.T) {
	tests := []struct {
		name     string
		window   string
		wantCode string
	}{
		{"missing", ``, "INVALID_TIME_WINDOW"},
		{"null", `"time_window_minutes":null,`, "INVALID_TIME_WINDOW"},
		{"float", `"time_window_minutes":60.5,`, "INVALID_TIME_WINDOW"},
		{"quoted", `"time_window_minutes":"60",`, "INVALID_TIME_WINDOW"},
		{"boolean", `"time_window_minutes":true,`, "INVALID_TIME_WINDOW"},
		{"zero", `"time_window_minutes":0,`, "INVALID_TIME_WINDOW"},
		{"negative", `"time_window_minutes":-5,`, "INVALID_TIME_WINDOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := decodeBody(t, `{`+tt.window+`"messages":[`+validMessage+`]}`)
			_, _, aerr := validateOnline(body)
			require.NotNil(t, aerr)
			assert.Equal(t, tt.wantCode, aerr.code)
			assert.Equal(t, http.StatusBadRequest, aerr.status)
		})
	}
}

func TestValidateOnlineReservedWindow(t *testing.T) {
	body := decodeBody(t, `{"time_window_minutes":123,"messages":[`+validMessage+`]}`)
	_, _, aerr := validateOnline(body)
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusUnprocessableEntity, aerr.status)
	assert.Equal(t, "UNSUPPORTED_TIME_WINDOW", aerr.code)
	assert.Equal(t, "Valor de janela temporal não suportado na versão atual", aerr.message)
}

func TestValidateOnlineMessagesListRules(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing", `{"time_window_minutes":60}`},
		{"empty", `{"time_window_minutes":60,"messages":[]}`},
		{"object", `{"time_window_minutes":60,"messages":{}}`},
		{"null", `{"time_window_minutes":60,"messages":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, aerr := validateOnline(decodeBody(t, tt.body))
			require.NotNil(t, aerr)
			assert.Equal(t, "INVALID_MESSAGES", aerr.code)
			assert.Equal(t, "Lista de mensagens invalida.", aerr.message)
		})
	}
}

func TestValidateMessageFieldRules(t *testing.T) {
	longContent := strings.Repeat("a", 281)

	tests := []struct {
		name     string
		message  string
		wantCode string
	}{
		{"not an object", `"texto"`, "INVALID_MESSAGE"},
		{"user_id missing", `{"content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_USER_ID"},
		{"user_id number", `{"user_id":42,"content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_USER_ID"},
		{"user_id short suffix", `{"user_id":"user_ab","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_USER_ID"},
		{"user_id no prefix", `{"user_id":"alguem","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_USER_ID"},
		{"content missing", `{"user_id":"user_alpha","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_CONTENT"},
		{"content blank", `{"user_id":"user_alpha","content":"   ","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_CONTENT"},
		{"content too long", `{"user_id":"user_alpha","content":"` + longContent + `","timestamp":"2026-02-20T13:00:00Z","hashtags":[]}`, "INVALID_CONTENT"},
		{"timestamp missing", `{"user_id":"user_alpha","content":"oi","hashtags":[]}`, "INVALID_TIMESTAMP"},
		{"timestamp garbage", `{"user_id":"user_alpha","content":"oi","timestamp":"ontem","hashtags":[]}`, "INVALID_TIMESTAMP"},
		{"timestamp number", `{"user_id":"user_alpha","content":"oi","timestamp":1766000000,"hashtags":[]}`, "INVALID_TIMESTAMP"},
		{"hashtags missing", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z"}`, "INVALID_HASHTAGS"},
		{"hashtags object", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":{}}`, "INVALID_HASHTAGS"},
		{"hashtag not a string", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[7]}`, "INVALID_HASHTAGS"},
		{"hashtag without prefix", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":["go"]}`, "INVALID_HASHTAGS"},
		{"hashtag bare hash", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":["#"]}`, "INVALID_HASHTAGS"},
		{"reactions quoted", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[],"reactions":"3"}`, "INVALID_REACTIONS"},
		{"reactions negative", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[],"reactions":-1}`, "INVALID_REACTIONS"},
		{"shares float", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[],"shares":1.5}`, "INVALID_SHARES"},
		{"views null", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[],"views":null}`, "INVALID_VIEWS"},
		{"views below engagement sum", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[],"reactions":4,"shares":7,"views":10}`, "INVALID_VIEWS"},
		{"views default below sum", `{"user_id":"user_alpha","content":"oi","timestamp":"2026-02-20T13:00:00Z","hashtags":[],"reactions":2,"shares":1}`, "INVALID_VIEWS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, aerr := validateOnline(onlineBody(t, tt.message))
			require.NotNil(t, aerr)
			assert.Equal(t, tt.wantCode, aerr.code)
		})
	}
}

func TestValidateMessageNormalizesFields(t *testing.T) {
	msgs, window, aerr := validateOnline(onlineBody(t, `{
		"user_id": "  user_alpha  ",
		"content": "  Adorei o produto  ",
		"timestamp": "2026-02-20T13:00:00Z",
		"hashtags": ["  #go  "],
		"reactions": 2,
		"shares": 1,
		"views": 50
	}`))
	require.Nil(t, aerr)
	assert.Equal(t, 60, window)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "user_alpha", msg.UserID)
	assert.Equal(t, "Adorei o produto", msg.Content)
	assert.Equal(t, time.Date(2026, 2, 20, 13, 0, 0, 0, time.UTC), msg.Timestamp.UTC())
	assert.Equal(t, []string{"#go"}, msg.Hashtags)
	assert.Equal(t, 2, msg.Reactions)
	assert.Equal(t, 1, msg.Shares)
	assert.Equal(t, 50, msg.Views)
}

func TestValidateMessageAcceptsUUIDAndDefaults(t *testing.T) {
	msgs, _, aerr := validateOnline(onlineBody(t, `{
		"user_id": "2f9c1f6e-46c3-4d2f-9d1a-7f4be1c0a111",
		"content": "tudo certo",
		"timestamp": "2026-02-20T13:00:00Z",
		"hashtags": []
	}`))
	require.Nil(t, aerr)
	require.Len(t, msgs, 1)
	assert.Equal(t, "2f9c1f6e-46c3-4d2f-9d1a-7f4be1c0a111", msgs[0].UserID)
	assert.Zero(t, msgs[0].Reactions)
	assert.Zero(t, msgs[0].Shares)
	assert.Zero(t, msgs[0].Views)
}

const validItem = `{
	"user_id": "user_alpha",
	"sentiment_distribution": {"positive": 60, "negative": 20, "neutral": 20}
}`

func bulkBody(t *testing.T, items ...string) map[string]json.RawMessage {
	t.Helper()
	return decodeBody(t, `{"items":[`+strings.Join(items, ",")+`]}`)
}

func TestValidateBulkItemsListRules(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"object", `{"items":{}}`},
		{"empty", `{"items":[]}`},
		{"null", `{"items":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, aerr := validateBulk(decodeBody(t, tt.body))
			require.NotNil(t, aerr)
			assert.Equal(t, "INVALID_ITEMS", aerr.code)
			assert.Equal(t, "Lista de itens invalida.", aerr.message)
		})
	}
}

func TestValidateBulkEnforcesBatchLimit(t *testing.T) {
	items := make([]string, 1001)
	for i := range items {
		items[i] = validItem
	}
	_, aerr := validateBulk(bulkBody(t, items...))
	require.NotNil(t, aerr)
	assert.Equal(t, "BATCH_LIMIT_EXCEEDED", aerr.code)
	assert.Equal(t, "Lote excede o limite de 1000 itens.", aerr.message)
}

func TestValidateBulkItemRules(t *testing.T) {
	tests := []struct {
		name        string
		item        string
		wantCode    string
		wantMessage string
	}{
		{"not an object", `[]`, "INVALID_ITEM", "Item 1 invalido."},
		{"user_id missing", `{"sentiment_distribution":{"positive":1,"negative":1,"neutral":98}}`, "INVALID_USER_ID", "Item 1 sem user_id."},
		{"user_id blank", `{"user_id":"   ","sentiment_distribution":{"positive":1,"negative":1,"neutral":98}}`, "INVALID_USER_ID", "Item 1 sem user_id."},
		{"user_id number", `{"user_id":7,"sentiment_distribution":{"positive":1,"negative":1,"neutral":98}}`, "INVALID_USER_ID", "Item 1 sem user_id."},
		{"user_id checked before sentiment", `{"flags":{}}`, "INVALID_USER_ID", "Item 1 sem user_id."},
		{"sentiment missing", `{"user_id":"u-1"}`, "INVALID_SENTIMENT_DISTRIBUTION", "Item 1 com sentiment_distribution invalida."},
		{"sentiment list", `{"user_id":"u-1","sentiment_distribution":[]}`, "INVALID_SENTIMENT_DISTRIBUTION", "Item 1 com sentiment_distribution invalida."},
		{"sentiment missing key", `{"user_id":"u-1","sentiment_distribution":{"positive":1,"negative":1}}`, "INVALID_SENTIMENT_DISTRIBUTION", "Item 1 com sentiment_distribution invalida."},
		{"sentiment quoted value", `{"user_id":"u-1","sentiment_distribution":{"positive":"1","negative":1,"neutral":98}}`, "INVALID_SENTIMENT_DISTRIBUTION", "Item 1 com sentiment_distribution invalida."},
		{"flags list", `{"user_id":"u-1","sentiment_distribution":{"positive":1,"negative":1,"neutral":98},"flags":[]}`, "INVALID_FLAGS", "Item 1 com flags invalidas."},
		{"flag not boolean", `{"user_id":"u-1","sentiment_distribution":{"positive":1,"negative":1,"neutral":98},"flags":{"mbras_employee":"yes"}}`, "INVALID_FLAGS", "Item 1 com flags invalidas."},
		{"influence ranking object", `{"user_id":"u-1","sentiment_distribution":{"positive":1,"negative":1,"neutral":98},"influence_ranking":{}}`, "INVALID_INFLUENCE_RANKING", "Item 1 com influence_ranking invalido."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, aerr := validateBulk(bulkBody(t, validItem, tt.item))
			require.NotNil(t, aerr)
			assert.Equal(t, tt.wantCode, aerr.code)
			assert.Equal(t, tt.wantMessage, aerr.message)
		})
	}
}

func TestValidateBulkItemTolerances(t *testing.T) {
	items, aerr := validateBulk(bulkBody(t,
		`{"user_id":"u-1","sentiment_distribution":{"positive":1,"negative":1,"neutral":98},"flags":null,"influence_ranking":null}`,
		`{"user_id":"u-2","sentiment_distribution":{"positive":50.5,"negative":-1,"neutral":50.5},"flags":{"mbras_employee":true,"futuro":123}}`,
		`{"user_id":"u-3","sentiment_distribution":{"positive":1,"negative":1,"neutral":98},"influence_ranking":[{"qualquer":"coisa"}]}`,
	))
	require.Nil(t, aerr)
	assert.Len(t, items, 3)
}

func TestValidateBulkNormalizesUserID(t *testing.T) {
	items, aerr := validateBulk(bulkBody(t,
		`{"user_id":"  user_alpha  ","correlation_id":"c-1","extra":{"mantem":true},"sentiment_distribution":{"positive":1,"negative":1,"neutral":98}}`,
	))
	require.Nil(t, aerr)
	require.Len(t, items, 1)

	assert.Equal(t, json.RawMessage(`"user_alpha"`), items[0]["user_id"])
	assert.Equal(t, json.RawMessage(`"c-1"`), items[0]["correlation_id"])
	assert.JSONEq(t, `{"mantem":true}`, string(items[0]["extra"]))
}
