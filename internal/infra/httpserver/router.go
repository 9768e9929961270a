package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	apparchive "github.com/bryanwahyu/checkin-ledger/internal/application/archive"
	appcheckin "github.com/bryanwahyu/checkin-ledger/internal/application/checkin"
	appreview "github.com/bryanwahyu/checkin-ledger/internal/application/review"
	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
	"github.com/bryanwahyu/checkin-ledger/internal/domain/review"
	"github.com/bryanwahyu/checkin-ledger/internal/middleware"
)

const maxBodyBytes = 64 << 10

// Options wires the router. Archive and Review are optional; their routes
// answer 501 when nil. An empty Operators list turns authentication off and
// the caller must then name scanned_by / undone_by in the body.
type Options struct {
	Ledger         *appcheckin.Service
	Archive        *apparchive.Service
	Review         *appreview.Service
	Operators      []middleware.Operator
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	Probes         []middleware.Probe
	Logger         *slog.Logger
}

type Router struct {
	ledger  *appcheckin.Service
	archive *apparchive.Service
	review  *appreview.Service
	logger  *slog.Logger
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{ledger: opts.Ledger, archive: opts.Archive, review: opts.Review, logger: logger}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	mux.Use(middleware.RequestLogger(logger), middleware.MetricsMiddleware)
	if len(opts.AllowedOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	if len(opts.Operators) > 0 {
		mux.Use(middleware.APIKeyAuth(opts.Operators))
	}
	if opts.RateLimiter != nil {
		mux.Use(middleware.RateLimit(opts.RateLimiter))
	}

	probes := opts.Probes
	if len(probes) == 0 && opts.Ledger != nil {
		probes = []middleware.Probe{{Name: "ledger", Checker: middleware.CheckFunc(opts.Ledger.Ping), Critical: true}}
	}
	mux.Get("/health", middleware.HealthHandler(probes))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/checkins", r.wrap(r.handleScan))
		rt.Get("/checkins/{scanID}", r.wrap(r.handleGet))
		rt.Post("/checkins/{scanID}/undo", r.wrap(r.handleUndoScan))
		rt.Get("/tickets/{ticketID}/checkin", r.wrap(r.handleActive))
		rt.Post("/tickets/{ticketID}/undo", r.wrap(r.handleUndoTicket))
		rt.Get("/codes/{code}/checkin", r.wrap(r.handleActiveByCode))
		rt.Get("/events/{eventID}/checkins", r.wrap(r.handleEventFeed))
		rt.Get("/operators/{operatorID}/checkins", r.wrap(r.handleOperatorFeed))
		rt.Post("/events/{eventID}/export", r.wrap(r.handleExport))
		rt.Post("/events/{eventID}/review", r.wrap(r.handleReview))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// errorBody is the JSON shape of every non-2xx answer from /v1.
type errorBody struct {
	Error          string             `json:"error"`
	Message        string             `json:"message"`
	Reason         domain.UndoReason  `json:"reason,omitempty"`
	Field          string             `json:"field,omitempty"`
	Record         *domain.ScanRecord `json:"record,omitempty"`
	OutcomeUnknown bool               `json:"outcome_unknown,omitempty"`
}

var errNotConfigured = errors.New("feature is not configured on this instance")

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var (
			conflict    *domain.AlreadyCheckedInError
			refusal     *domain.NotUndoableError
			invalid     *domain.ValidationError
			unavailable *domain.StorageUnavailableError
			tooLarge    *http.MaxBytesError
		)
		switch {
		case errors.As(err, &conflict):
			middleware.IncrementCheckinRejected()
			writeJSON(w, http.StatusConflict, errorBody{Error: "already_checked_in", Message: err.Error(), Record: conflict.Existing})
		case errors.As(err, &refusal):
			middleware.IncrementUndoRefused()
			writeJSON(w, http.StatusConflict, errorBody{Error: "not_undoable", Message: err.Error(), Reason: refusal.Reason, Record: refusal.Record})
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error(), Field: invalid.Field})
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "body_too_large", Message: err.Error()})
		case errors.Is(err, domain.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
		case errors.As(err, &unavailable):
			middleware.IncrementStorageFailures()
			status := http.StatusServiceUnavailable
			if unavailable.OutcomeUnknown {
				// the write may have landed; the client must re-query before retrying
				status = http.StatusGatewayTimeout
			}
			writeJSON(w, status, errorBody{Error: "storage_unavailable", Message: err.Error(), OutcomeUnknown: unavailable.OutcomeUnknown})
		case errors.Is(err, review.ErrQuotaExceeded):
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "ai_quota_exceeded", Message: err.Error()})
		case errors.Is(err, review.ErrDisabled), errors.Is(err, errNotConfigured):
			writeJSON(w, http.StatusNotImplemented, errorBody{Error: "not_configured", Message: err.Error()})
		default:
			r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, req *http.Request, dst any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	err := json.NewDecoder(req.Body).Decode(dst)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, new(*http.MaxBytesError)):
		return err
	default:
		return &domain.ValidationError{Field: "body", Message: err.Error()}
	}
}

// pathID reads and validates one identifier from the URL.
func pathID(req *http.Request, name, field string) (string, error) {
	v := chi.URLParam(req, name)
	if err := middleware.ValidateIdentifier(field, v); err != nil {
		return "", &domain.ValidationError{Field: field, Message: err.Error()}
	}
	return v, nil
}

// actor is the authenticated operator, or the one named in the body when
// authentication is off.
func actor(req *http.Request, id, name string) (string, string) {
	if op, ok := middleware.OperatorFromContext(req.Context()); ok {
		return op.ID, op.Name
	}
	return middleware.SanitizeString(id), middleware.StripControl(name)
}

// POST /v1/checkins
func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		TicketID        string `json:"ticket_id"`
		TicketCode      string `json:"ticket_code"`
		EventID         string `json:"event_id"`
		EventTitle      string `json:"event_title"`
		ParticipantName string `json:"participant_name"`
		ParticipantID   string `json:"participant_id"`
		ScannedBy       string `json:"scanned_by"`
		ScannedByName   string `json:"scanned_by_name"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	for _, f := range []struct{ field, value string }{{"ticket_id", body.TicketID}, {"event_id", body.EventID}} {
		if f.value == "" {
			continue // reported by the service
		}
		if err := middleware.ValidateIdentifier(f.field, f.value); err != nil {
			return &domain.ValidationError{Field: f.field, Message: err.Error()}
		}
	}

	scannedBy, scannedByName := actor(req, body.ScannedBy, body.ScannedByName)
	rec, err := r.ledger.Scan(req.Context(), appcheckin.ScanCommand{
		TicketID:        body.TicketID,
		TicketCode:      body.TicketCode,
		EventID:         body.EventID,
		EventTitle:      middleware.StripControl(body.EventTitle),
		ParticipantName: middleware.StripControl(body.ParticipantName),
		ParticipantID:   body.ParticipantID,
		ScannedBy:       scannedBy,
		ScannedByName:   scannedByName,
	})
	if err != nil {
		return err
	}
	middleware.IncrementCheckinAccepted()
	return writeJSON(w, http.StatusCreated, rec)
}

// GET /v1/checkins/{scanID}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scanID", "scan_id")
	if err != nil {
		return err
	}
	rec, err := r.ledger.Get(req.Context(), domain.ScanID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// GET /v1/tickets/{ticketID}/checkin
func (r *Router) handleActive(w http.ResponseWriter, req *http.Request) error {
	ticketID, err := pathID(req, "ticketID", "ticket_id")
	if err != nil {
		return err
	}
	rec, err := r.ledger.ActiveScan(req.Context(), ticketID)
	if err != nil {
		return err
	}
	if rec == nil {
		return domain.ErrNotFound
	}
	return writeJSON(w, http.StatusOK, rec)
}

// GET /v1/codes/{code}/checkin
func (r *Router) handleActiveByCode(w http.ResponseWriter, req *http.Request) error {
	code := chi.URLParam(req, "code")
	if err := middleware.ValidateTicketCode(code); err != nil {
		return &domain.ValidationError{Field: "ticket_code", Message: err.Error()}
	}
	rec, err := r.ledger.ActiveScanByCode(req.Context(), code)
	if err != nil {
		return err
	}
	if rec == nil {
		return domain.ErrNotFound
	}
	return writeJSON(w, http.StatusOK, rec)
}

type undoBody struct {
	UndoneBy string `json:"undone_by"`
}

// POST /v1/tickets/{ticketID}/undo
func (r *Router) handleUndoTicket(w http.ResponseWriter, req *http.Request) error {
	ticketID, err := pathID(req, "ticketID", "ticket_id")
	if err != nil {
		return err
	}
	var body undoBody
	if err := decode(w, req, &body); err != nil {
		return err
	}
	undoneBy, _ := actor(req, body.UndoneBy, "")
	rec, err := r.ledger.UndoTicket(req.Context(), ticketID, undoneBy)
	if err != nil {
		return err
	}
	middleware.IncrementUndoAccepted()
	return writeJSON(w, http.StatusOK, rec)
}

// POST /v1/checkins/{scanID}/undo
func (r *Router) handleUndoScan(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scanID", "scan_id")
	if err != nil {
		return err
	}
	var body undoBody
	if err := decode(w, req, &body); err != nil {
		return err
	}
	undoneBy, _ := actor(req, body.UndoneBy, "")
	rec, err := r.ledger.UndoScan(req.Context(), domain.ScanID(id), undoneBy)
	if err != nil {
		return err
	}
	middleware.IncrementUndoAccepted()
	return writeJSON(w, http.StatusOK, rec)
}

// GET /v1/events/{eventID}/checkins?cursor=&limit=
func (r *Router) handleEventFeed(w http.ResponseWriter, req *http.Request) error {
	eventID, err := pathID(req, "eventID", "event_id")
	if err != nil {
		return err
	}
	cursor, limit, err := pageParams(req)
	if err != nil {
		return err
	}
	page, err := r.ledger.EventPage(req.Context(), eventID, cursor, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page)
}

// GET /v1/operators/{operatorID}/checkins?cursor=&limit=
func (r *Router) handleOperatorFeed(w http.ResponseWriter, req *http.Request) error {
	operatorID, err := pathID(req, "operatorID", "operator_id")
	if err != nil {
		return err
	}
	cursor, limit, err := pageParams(req)
	if err != nil {
		return err
	}
	page, err := r.ledger.OperatorPage(req.Context(), operatorID, cursor, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page)
}

func pageParams(req *http.Request) (string, int, error) {
	q := req.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", 0, &domain.ValidationError{Field: "limit", Message: "must be an integer"}
		}
		limit = middleware.ValidateLimit(n, appcheckin.MaxFeedPageSize)
	}
	return q.Get("cursor"), limit, nil
}

// POST /v1/events/{eventID}/export
func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) error {
	if r.archive == nil {
		return errNotConfigured
	}
	eventID, err := pathID(req, "eventID", "event_id")
	if err != nil {
		return err
	}
	m, err := r.archive.Export(req.Context(), eventID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, m)
}

// POST /v1/events/{eventID}/review
func (r *Router) handleReview(w http.ResponseWriter, req *http.Request) error {
	eventID, err := pathID(req, "eventID", "event_id")
	if err != nil {
		return err
	}
	rep, err := r.review.Review(req.Context(), eventID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}
