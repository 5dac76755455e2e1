package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/engine"
	"github.com/mbras/feed-analyzer/internal/ingest"
	"github.com/mbras/feed-analyzer/internal/messaging"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
)

// maxPageSize caps the message listing page size.
const maxPageSize = 200

// dependencyTimeout bounds the probe calls to the database and broker.
const dependencyTimeout = 2 * time.Second

// BrokerGateway is the slice of the producer the API uses: direct
// publish after commit plus the health probe.
type BrokerGateway interface {
	messaging.Publisher
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	repo     *postgres.Repository
	fastPath *ingest.FastPath
	service  *ingest.Service
	broker   BrokerGateway
	routing  string
	dev      bool
	log      *zap.Logger
	met      *metrics.Metrics
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(repo *postgres.Repository, fastPath *ingest.FastPath, service *ingest.Service, log *zap.Logger, met *metrics.Metrics) *Handlers {
	return &Handlers{
		repo:     repo,
		fastPath: fastPath,
		service:  service,
		log:      log,
		met:      met,
	}
}

// SetBroker wires the direct publish path. routing is the descriptor
// recorded on processing rows once an event is queued.
func (h *Handlers) SetBroker(broker BrokerGateway, routing string) {
	h.broker = broker
	h.routing = routing
}

// SetDevMode unlocks the debug endpoints.
func (h *Handlers) SetDevMode(dev bool) {
	h.dev = dev
}

// errorBody is the envelope every failed request gets.
type errorBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// analyzeResponse answers a successful inline analysis.
type analyzeResponse struct {
	Analysis      engine.Analysis `json:"analysis"`
	CorrelationID string          `json:"correlation_id"`
}

// AnalyzeFeed serves POST /analyze-feed. One route, two body shapes:
// a feed to analyze inline, or a pre-analyzed batch to ingest when an
// items key is present.
func (h *Handlers) AnalyzeFeed(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(w, r, badRequest("INVALID_REQUEST", "Corpo da requisicao invalido."), "inline")
		return
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil || root == nil {
		h.reject(w, r, badRequest("INVALID_REQUEST", "Corpo da requisicao invalido."), "inline")
		return
	}

	if _, isBatch := root["items"]; isBatch {
		h.analyzeBulk(w, r, root)
		return
	}
	h.analyzeOnline(w, r, root, body)
}

func (h *Handlers) analyzeOnline(w http.ResponseWriter, r *http.Request, root map[string]json.RawMessage, rawBody []byte) {
	msgs, window, aerr := validateOnline(root)
	if aerr != nil {
		h.reject(w, r, aerr, "inline")
		return
	}

	analysis := engine.Analyze(msgs, window)
	cid := CorrelationID(r.Context())

	result, err := h.service.PersistAnalysis(r.Context(), cid, rawBody, window, msgs, analysis)
	if err != nil {
		h.internalError(w, r, "inline", err)
		return
	}
	switch {
	case result.Duplicate:
		h.log.Info("Mensagem ja registrada.",
			zap.String("correlation_id", cid),
			zap.String("message_id", result.MessageID),
		)
	case result.Event != nil && h.broker != nil:
		h.publishDirect(r.Context(), *result.Event)
	}

	if h.met != nil {
		h.met.AnalyzeRequests.WithLabelValues("inline", "ok").Inc()
	}
	respondJSON(w, http.StatusOK, analyzeResponse{Analysis: analysis, CorrelationID: cid})
}

func (h *Handlers) analyzeBulk(w http.ResponseWriter, r *http.Request, root map[string]json.RawMessage) {
	items, aerr := validateBulk(root)
	if aerr != nil {
		h.reject(w, r, aerr, "bulk")
		return
	}

	result, err := h.fastPath.Execute(r.Context(), items)
	if err != nil {
		h.internalError(w, r, "bulk", err)
		return
	}
	if h.met != nil {
		h.met.AnalyzeRequests.WithLabelValues("bulk", "ok").Inc()
	}
	respondJSON(w, http.StatusAccepted, result)
}

// publishDirect pushes a fresh event to the broker right away instead
// of waiting for the dispatcher poll. On failure the outbox row stays
// pending and the dispatcher takes over; the response is 200 either
// way.
func (h *Handlers) publishDirect(ctx context.Context, event domain.OutboxEvent) {
	if err := h.broker.Publish(ctx, messaging.EnvelopeFor(event), 0); err != nil {
		if h.met != nil {
			h.met.BrokerPublishFailures.Inc()
		}
		h.log.Warn("Falha ao publicar evento no broker.",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return
	}
	if err := h.service.MarkEventPublished(ctx, event, h.routing); err != nil {
		h.log.Warn("direct publish bookkeeping failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// messageListItem is one row of the message listing.
type messageListItem struct {
	ID                string          `json:"id"`
	CreatedAtUTC      string          `json:"created_at_utc"`
	CorrelationID     string          `json:"correlation_id"`
	UserID            string          `json:"user_id"`
	UserExternalKey   *string         `json:"user_external_key"`
	EngagementScore   *float64        `json:"engagement_score"`
	Analysis          engine.Analysis `json:"analysis"`
	ProcessingSuccess *bool           `json:"processing_success"`
	ProcessingStatus  *string         `json:"processing_status"`
	FailureStage      *string         `json:"failure_stage"`
	FailureReason     *string         `json:"failure_reason"`
	QueueMessaging    *string         `json:"queue_messaging"`
	ElasticName       *string         `json:"elastic_name"`
	ElasticIndexName  *string         `json:"elastic_index_name"`
	ProcessedAtUTC    *string         `json:"processed_at_utc"`
}

type messagesPage struct {
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
	Items    []messageListItem `json:"items"`
}

// ListMessages serves GET /messages: a filtered, paged listing with
// the full stored analysis per message, newest first.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := postgres.ListFilter{UserKey: strings.TrimSpace(q.Get("user_id"))}
	if raw := strings.TrimSpace(q.Get("from_utc")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondAPIError(w, r, badRequest("INVALID_FROM_UTC", "Timestamp invalido."))
			return
		}
		filter.FromUTC = &ts
	}
	if raw := strings.TrimSpace(q.Get("to_utc")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondAPIError(w, r, badRequest("INVALID_TO_UTC", "Timestamp invalido."))
			return
		}
		filter.ToUTC = &ts
	}

	page := intQuery(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := intQuery(q.Get("page_size"), 20)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	filter.Page = page
	filter.PageSize = pageSize

	rows, total, err := h.repo.ListMessages(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "", err)
		return
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	related, err := h.repo.LoadRelatedBatch(r.Context(), ids)
	if err != nil {
		h.internalError(w, r, "", err)
		return
	}

	items := make([]messageListItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, buildListItem(row, related[row.ID]))
	}
	respondJSON(w, http.StatusOK, messagesPage{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Items:    items,
	})
}

func buildListItem(row postgres.MessageListRow, related *domain.MessageRelated) messageListItem {
	item := messageListItem{
		ID:              row.ID,
		CreatedAtUTC:    row.CreatedAtUTC.UTC().Format(time.RFC3339),
		CorrelationID:   row.CorrelationID,
		UserID:          row.UserID,
		UserExternalKey: row.UserExternalKey,
		EngagementScore: row.EngagementScore,
		Analysis:        storedAnalysis(row, related),
	}
	if related == nil || related.Processing == nil {
		return item
	}
	p := related.Processing
	status := string(p.ProcessingStatus)
	processedAt := p.UpdatedAtUTC.UTC().Format(time.RFC3339)
	item.ProcessingSuccess = p.ProcessingSuccess
	item.ProcessingStatus = &status
	item.FailureStage = p.FailureStage
	item.FailureReason = p.FailedReason
	item.QueueMessaging = p.QueueMessaging
	item.ElasticName = p.ElasticName
	item.ElasticIndexName = p.ElasticIndexName
	item.ProcessedAtUTC = &processedAt
	return item
}

// storedAnalysis reassembles the persisted analysis document. Missing
// child rows fall back to zero values so the response always carries
// the full shape.
func storedAnalysis(row postgres.MessageListRow, related *domain.MessageRelated) engine.Analysis {
	a := engine.Analysis{
		TrendingTopics:   []string{},
		InfluenceRanking: []engine.InfluenceEntry{},
	}
	if row.EngagementScore != nil {
		a.EngagementScore = *row.EngagementScore
	}
	if related == nil {
		return a
	}
	if s := related.Sentiment; s != nil {
		a.SentimentDistribution = engine.Distribution{Positive: s.Positive, Negative: s.Negative, Neutral: s.Neutral}
	}
	if f := related.Flags; f != nil {
		a.Flags = engine.Flags{
			MbrasEmployee:      f.MbrasEmployee,
			SpecialPattern:     f.SpecialPattern,
			CandidateAwareness: f.CandidateAwareness,
		}
	}
	if an := related.Anomaly; an != nil {
		a.AnomalyDetected = an.AnomalyDetected
		a.AnomalyType = an.AnomalyType
	}
	for _, t := range related.Topics {
		a.TrendingTopics = append(a.TrendingTopics, t.Name)
	}
	for _, it := range related.InfluenceItems {
		a.InfluenceRanking = append(a.InfluenceRanking, engine.InfluenceEntry{
			UserID:         it.ExternalUserKey,
			Followers:      it.Followers,
			EngagementRate: it.EngagementRate,
			InfluenceScore: it.InfluenceScore,
		})
	}
	return a
}

type healthCheck struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// HealthCheck reports liveness plus dependency states. Always 200;
// a failing dependency only degrades the reported status.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dependencyTimeout)
	defer cancel()

	checks := map[string]healthCheck{
		"database": h.databaseCheck(ctx),
		"broker":   h.brokerCheck(ctx),
	}
	status := "ok"
	for _, c := range checks {
		if !c.OK {
			status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"correlation_id": CorrelationID(r.Context()),
		"checks":         checks,
	})
}

// ReadyCheck gates readiness on the database alone: without it no
// request can be served, while a broker outage is absorbed by the
// outbox.
func (h *Handlers) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dependencyTimeout)
	defer cancel()

	db := h.databaseCheck(ctx)
	status := "ready"
	code := http.StatusOK
	if !db.OK {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": map[string]healthCheck{"database": db},
	})
}

func (h *Handlers) databaseCheck(ctx context.Context) healthCheck {
	if err := h.repo.Ping(ctx); err != nil {
		return healthCheck{OK: false, Detail: "falha_db"}
	}
	return healthCheck{OK: true, Detail: "ok"}
}

func (h *Handlers) brokerCheck(ctx context.Context) healthCheck {
	if h.broker == nil {
		return healthCheck{OK: true, Detail: "desabilitado"}
	}
	if err := h.broker.Ping(ctx); err != nil {
		return healthCheck{OK: false, Detail: "falha_broker"}
	}
	return healthCheck{OK: true, Detail: "ok"}
}

// ForceError panics on purpose so the recovery middleware and the
// error-path observability can be validated end to end. Outside dev
// environments the route pretends not to exist.
func (h *Handlers) ForceError(w http.ResponseWriter, r *http.Request) {
	if !h.dev {
		respondJSON(w, http.StatusNotFound, errorBody{
			Error:         "Rota indisponivel neste ambiente.",
			Code:          "NOT_FOUND",
			CorrelationID: CorrelationID(r.Context()),
		})
		return
	}
	panic("Erro controlado para validar observabilidade.")
}

// reject answers a validation failure and counts it against the
// analyze metrics.
func (h *Handlers) reject(w http.ResponseWriter, r *http.Request, aerr *apiError, mode string) {
	if h.met != nil {
		h.met.AnalyzeRequests.WithLabelValues(mode, "rejected").Inc()
	}
	h.respondAPIError(w, r, aerr)
}

func (h *Handlers) respondAPIError(w http.ResponseWriter, r *http.Request, aerr *apiError) {
	respondJSON(w, aerr.status, errorBody{
		Error:         aerr.message,
		Code:          aerr.code,
		CorrelationID: CorrelationID(r.Context()),
	})
}

// internalError hides the cause behind the generic message. mode is
// empty for routes outside the analyze counters.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, mode string, err error) {
	cid := CorrelationID(r.Context())
	h.log.Error("Falha interna no processamento da requisicao.",
		zap.String("path", r.URL.Path),
		zap.String("correlation_id", cid),
		zap.Error(err),
	)
	if h.met != nil && mode != "" {
		h.met.AnalyzeRequests.WithLabelValues(mode, "error").Inc()
	}
	respondJSON(w, http.StatusInternalServerError, errorBody{
		Error:         "Falha interna no processamento da requisicao.",
		Code:          "INTERNAL_ERROR",
		CorrelationID: cid,
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func intQuery(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
