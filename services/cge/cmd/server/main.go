package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"compromisos/pkg/db"
	"compromisos/pkg/domain"
	"compromisos/pkg/httpx"
	"compromisos/pkg/idalloc"
	"compromisos/pkg/lifecycle"
	"compromisos/services/cge/internal/idempotency"
	"compromisos/services/cge/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	pool := db.MustConnect()
	st := store.New(pool)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("schema: %v", err)
	}

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}

	r := buildRouter(st, lifecycle.DefaultPolicy())
	log.Infof("cge listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

type actorContext struct {
	ActorID        string `json:"actor_id"`
	Role           string `json:"role"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (ac actorContext) idem() idempotency.ActorContext {
	return idempotency.ActorContext{ActorID: ac.ActorID, Role: ac.Role, IdempotencyKey: ac.IdempotencyKey}
}

func buildRouter(st *store.Store, policy lifecycle.Policy) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/cge", func(api chi.Router) {

		// Pure evaluation: no persistence, no locks.
		api.Post("/targets:evaluate", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Target domain.Target `json:"target"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if err := domain.ValidateRanges(req.Target.Ranges); err != nil {
				httpx.WriteError(w, 400, httpx.CodeInvalid, err.Error(), nil)
				return
			}
			c := domain.Evaluate(&req.Target)
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":     httpx.NewRequestID(),
				"compliance":     c,
				"classification": domain.Classify(&req.Target, domain.DefaultThresholds()),
				"period":         domain.PeriodLabel(&req.Target),
			})
		})

		api.Post("/identifiers:allocate", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Kind  string `json:"kind"`
				Scope string `json:"scope,omitempty"`
				Year  int    `json:"year"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			kind, ok := parseKind(req.Kind)
			if !ok {
				httpx.WriteError(w, 400, httpx.CodeInvalid, "kind must be AC, F or M", nil)
				return
			}
			code, err := st.AllocateIdentifier(r.Context(), kind, req.Scope, req.Year)
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "code": code})
		})

		api.Post("/agreements", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext     actorContext `json:"actor_context"`
				Year             int          `json:"year"`
				Scope            string       `json:"scope,omitempty"`
				CommitmentType   string       `json:"commitment_type,omitempty"`
				OrganizationType string       `json:"organization_type,omitempty"`
				OrganizationName string       `json:"organization_name,omitempty"`
				ValidFrom        string       `json:"valid_from,omitempty"`
				ValidTo          string       `json:"valid_to,omitempty"`
				Object           string       `json:"object,omitempty"`
				SigningParties   string       `json:"signing_parties,omitempty"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if replayed := replay(w, r, st, req.ActorContext, "POST /cge/agreements"); replayed {
				return
			}
			if req.Year == 0 {
				req.Year = time.Now().Year()
			}
			a := &domain.Agreement{
				Year:             req.Year,
				CommitmentType:   req.CommitmentType,
				OrganizationType: req.OrganizationType,
				OrganizationName: req.OrganizationName,
				ValidFrom:        req.ValidFrom,
				ValidTo:          req.ValidTo,
				Object:           req.Object,
				SigningParties:   req.SigningParties,
				Status:           domain.StatusDraft,
				CreatedBy:        req.ActorContext.ActorID,
				Sheets:           []domain.Sheet{},
				Versions:         []domain.VersionSnapshot{},
				Transitions:      []domain.TransitionRecord{},
			}
			if err := st.CreateAgreement(r.Context(), a, req.Scope); err != nil {
				writeStoreErr(w, err)
				return
			}
			_ = st.AddEvent(r.Context(), "evt_"+uuid.NewString(), a.ID, "CREATED", req.ActorContext.ActorID, map[string]any{})
			resp := map[string]any{"request_id": httpx.NewRequestID(), "agreement": a}
			_ = idempotency.Save(r.Context(), st, req.ActorContext.idem(), "POST /cge/agreements", 201, resp)
			httpx.WriteJSON(w, 201, resp)
		})

		api.Get("/agreements/{agreement_id}", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agreement": a})
		})

		api.Post("/agreements/{agreement_id}/sheets", func(w http.ResponseWriter, r *http.Request) {
			agreementID := chi.URLParam(r, "agreement_id")
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Sheet        domain.Sheet `json:"sheet"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if replayed := replay(w, r, st, req.ActorContext, "POST sheets "+agreementID); replayed {
				return
			}
			a, err := st.AddSheet(r.Context(), agreementID, req.Sheet, func(a *domain.Agreement) error {
				if !policy.Allows(lifecycle.Role(req.ActorContext.Role), a.Status, lifecycle.ActionCreateSheet) {
					return errForbidden
				}
				return nil
			})
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			sheet := a.Sheets[len(a.Sheets)-1]
			_ = st.AddEvent(r.Context(), "evt_"+uuid.NewString(), agreementID, "SHEET_CREATED", req.ActorContext.ActorID, map[string]any{"sheet_id": sheet.ID})
			resp := map[string]any{"request_id": httpx.NewRequestID(), "sheet": sheet}
			_ = idempotency.Save(r.Context(), st, req.ActorContext.idem(), "POST sheets "+agreementID, 201, resp)
			httpx.WriteJSON(w, 201, resp)
		})

		api.Post("/agreements/{agreement_id}/sheets/{sheet_id}/targets", func(w http.ResponseWriter, r *http.Request) {
			agreementID := chi.URLParam(r, "agreement_id")
			sheetID := chi.URLParam(r, "sheet_id")
			var req struct {
				ActorContext actorContext  `json:"actor_context"`
				Target       domain.Target `json:"target"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if err := domain.ValidateRanges(req.Target.Ranges); err != nil {
				httpx.WriteError(w, 400, httpx.CodeInvalid, err.Error(), nil)
				return
			}
			if req.Target.Weight < 0 || req.Target.Weight > 100 {
				httpx.WriteError(w, 400, httpx.CodeInvalid, "weight outside [0,100]", nil)
				return
			}
			if replayed := replay(w, r, st, req.ActorContext, "POST targets "+sheetID); replayed {
				return
			}
			if req.Target.Status == "" {
				req.Target.Status = domain.TargetNotStarted
			}
			a, err := st.AddTarget(r.Context(), agreementID, sheetID, req.Target, func(a *domain.Agreement) error {
				if !policy.Allows(lifecycle.Role(req.ActorContext.Role), a.Status, lifecycle.ActionCreateTarget) {
					return errForbidden
				}
				return nil
			})
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			sheet := a.FindSheet(sheetID)
			target := sheet.Targets[len(sheet.Targets)-1]
			_ = st.AddEvent(r.Context(), "evt_"+uuid.NewString(), agreementID, "TARGET_CREATED", req.ActorContext.ActorID, map[string]any{"target_id": target.ID})
			resp := map[string]any{
				"request_id": httpx.NewRequestID(),
				"target":     target,
				"warnings":   domain.ValidateSheetWeights(sheet),
			}
			_ = idempotency.Save(r.Context(), st, req.ActorContext.idem(), "POST targets "+sheetID, 201, resp)
			httpx.WriteJSON(w, 201, resp)
		})

		api.Post("/agreements/{agreement_id}/targets/{target_id}:report", func(w http.ResponseWriter, r *http.Request) {
			agreementID := chi.URLParam(r, "agreement_id")
			targetID := chi.URLParam(r, "target_id")
			var req struct {
				ActorContext actorContext        `json:"actor_context"`
				Reported     string              `json:"reported"`
				Status       domain.TargetStatus `json:"status,omitempty"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if replayed := replay(w, r, st, req.ActorContext, "POST report "+targetID); replayed {
				return
			}
			var warnings []domain.WeightWarning
			a, err := st.UpdateAgreement(r.Context(), agreementID, "", func(a *domain.Agreement) error {
				sheet, target := a.FindTarget(targetID)
				if target == nil {
					return store.ErrNotFound
				}
				if !policy.AllowsOnSheet(lifecycle.Role(req.ActorContext.Role), a.Status, lifecycle.ActionReportValue, sheet) {
					return errLocked
				}
				target.Reported = req.Reported
				if req.Status != "" {
					target.SetTargetStatus(req.ActorContext.ActorID, req.Status, time.Now())
				}
				a.Recompute()
				warnings = domain.ValidateSheetWeights(sheet)
				return nil
			})
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			_, target := a.FindTarget(targetID)
			_ = st.AddEvent(r.Context(), "evt_"+uuid.NewString(), agreementID, "VALUE_REPORTED", req.ActorContext.ActorID, map[string]any{"target_id": targetID})
			resp := map[string]any{
				"request_id": httpx.NewRequestID(),
				"target":     target,
				"rollup":     domain.RollUp(a),
				"warnings":   warnings,
			}
			_ = idempotency.Save(r.Context(), st, req.ActorContext.idem(), "POST report "+targetID, 200, resp)
			httpx.WriteJSON(w, 200, resp)
		})

		api.Get("/agreements/{agreement_id}/weights", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"warnings":   domain.ValidateAgreementWeights(a),
			})
		})

		api.Get("/agreements/{agreement_id}/rollup", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			th := domain.DefaultThresholds()
			classes := []map[string]any{}
			for i := range a.Sheets {
				for j := range a.Sheets[i].Targets {
					t := &a.Sheets[i].Targets[j]
					classes = append(classes, map[string]any{
						"target_id":      t.ID,
						"compliance":     domain.Evaluate(t),
						"classification": domain.Classify(t, th),
					})
				}
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"rollup":     domain.RollUp(a),
				"targets":    classes,
			})
		})

		api.Post("/agreements/{agreement_id}:transition", func(w http.ResponseWriter, r *http.Request) {
			agreementID := chi.URLParam(r, "agreement_id")
			var req struct {
				ActorContext actorContext           `json:"actor_context"`
				From         domain.AgreementStatus `json:"from"`
				To           domain.AgreementStatus `json:"to"`
				Comment      string                 `json:"comment,omitempty"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if replayed := replay(w, r, st, req.ActorContext, "POST transition "+agreementID); replayed {
				return
			}
			a, err := st.UpdateAgreement(r.Context(), agreementID, req.From, func(a *domain.Agreement) error {
				return lifecycle.ApplyTransition(a, req.ActorContext.ActorID, lifecycle.Role(req.ActorContext.Role), req.From, req.To, req.Comment, time.Now())
			})
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			_ = st.AddEvent(r.Context(), "evt_"+uuid.NewString(), agreementID, "TRANSITION", req.ActorContext.ActorID, map[string]any{
				"from": req.From, "to": req.To,
			})
			resp := map[string]any{
				"request_id": httpx.NewRequestID(),
				"status":     a.Status,
				"versions":   len(a.Versions),
			}
			_ = idempotency.Save(r.Context(), st, req.ActorContext.idem(), "POST transition "+agreementID, 200, resp)
			httpx.WriteJSON(w, 200, resp)
		})

		api.Get("/agreements/{agreement_id}/transitions", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "transitions": a.Transitions})
		})

		api.Get("/agreements/{agreement_id}/versions", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			out := []map[string]any{}
			for _, v := range a.Versions {
				out = append(out, map[string]any{
					"version_id": v.VersionID, "seq": v.Seq, "at": v.At,
					"author": v.Author, "reason": v.Reason, "hash": v.Hash,
				})
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "versions": out})
		})

		api.Get("/agreements/{agreement_id}/versions/{seq}", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
			if err != nil || seq < 1 || seq > len(a.Versions) {
				httpx.WriteError(w, 404, httpx.CodeNotFound, "no such version", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "version": a.Versions[seq-1]})
		})

		api.Post("/agreements/{agreement_id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
			agreementID := chi.URLParam(r, "agreement_id")
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Reason       string       `json:"reason,omitempty"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			var snap domain.VersionSnapshot
			_, err := st.UpdateAgreement(r.Context(), agreementID, "", func(a *domain.Agreement) error {
				snap = a.Snapshot(req.ActorContext.ActorID, req.Reason, time.Now())
				return nil
			})
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			_ = st.AddEvent(r.Context(), "evt_"+uuid.NewString(), agreementID, "SNAPSHOT", req.ActorContext.ActorID, map[string]any{"seq": snap.Seq})
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"version": map[string]any{
					"version_id": snap.VersionID, "seq": snap.Seq, "at": snap.At,
					"author": snap.Author, "reason": snap.Reason, "hash": snap.Hash,
				},
			})
		})

		api.Get("/agreements/{agreement_id}/events", func(w http.ResponseWriter, r *http.Request) {
			evs, err := st.ListEvents(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": evs})
		})

		api.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			year := 0
			if y := r.URL.Query().Get("year"); y != "" {
				var err error
				year, err = strconv.Atoi(y)
				if err != nil {
					httpx.WriteError(w, 400, httpx.CodeInvalid, "year must be an integer", nil)
					return
				}
			}
			agreements, err := st.ListAgreements(r.Context(), year)
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			m := domain.ComputeGlobalMetrics(agreements, domain.DefaultThresholds())
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "metrics": m})
		})
	})

	return r
}

var (
	errLocked    = errors.New("agreement is locked for this role")
	errForbidden = errors.New("role may not modify the agreement in its current state")
)

func replay(w http.ResponseWriter, r *http.Request, st *store.Store, ac actorContext, endpoint string) bool {
	status, body, replayed, err := idempotency.Replay(r.Context(), st, ac.idem(), endpoint)
	if err != nil {
		httpx.WriteError(w, 500, httpx.CodeDBError, err.Error(), nil)
		return true
	}
	if replayed {
		httpx.WriteJSON(w, status, body)
		return true
	}
	return false
}

func parseKind(s string) (idalloc.Kind, bool) {
	switch s {
	case "AC":
		return idalloc.KindAgreement, true
	case "F":
		return idalloc.KindSheet, true
	case "M":
		return idalloc.KindTarget, true
	}
	return "", false
}

func writeStoreErr(w http.ResponseWriter, err error) {
	var perm *lifecycle.PermissionError
	var stale *lifecycle.StaleStateError
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, 404, httpx.CodeNotFound, err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		httpx.WriteError(w, 409, httpx.CodeConflict, err.Error(), nil)
	case errors.Is(err, errLocked):
		httpx.WriteError(w, 403, httpx.CodeLocked, err.Error(), nil)
	case errors.Is(err, errForbidden):
		httpx.WriteError(w, 403, httpx.CodePermissionDenied, err.Error(), nil)
	case errors.As(err, &perm):
		httpx.WriteError(w, 403, httpx.CodePermissionDenied, err.Error(), nil)
	case errors.As(err, &stale):
		httpx.WriteError(w, 409, httpx.CodeConflict, err.Error(), nil)
	default:
		httpx.WriteError(w, 500, httpx.CodeDBError, err.Error(), nil)
	}
}
