package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	compromisos "compromisos/sdk/go/compromisos"
)

// Walks one agreement through its whole life: create, add a sheet and a
// target, report a value, submit for review and approve it, then read the
// snapshot trail back. Expects a cge service at CGE_URL (default
// http://localhost:8084).
func main() {
	baseURL := os.Getenv("CGE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8084"
	}
	ctx := context.Background()
	c := compromisos.NewClient(baseURL)

	owner := compromisos.ActorContext{ActorID: "usr_owner", Role: "Owner", IdempotencyKey: compromisos.NewIdempotencyKey()}
	a, err := c.CreateAgreement(ctx, owner, compromisos.CreateAgreementRequest{
		Year:             2026,
		CommitmentType:   "CG - Institucional",
		OrganizationName: "Hospital Central",
	})
	if err != nil {
		panic(err)
	}

	owner.IdempotencyKey = compromisos.NewIdempotencyKey()
	sheet, err := c.AddSheet(ctx, owner, a.ID, map[string]any{
		"name":      "Gestión asistencial",
		"indicator": "Consultas resueltas en plazo",
	})
	if err != nil {
		panic(err)
	}
	sheetID, _ := sheet["id"].(string)

	owner.IdempotencyKey = compromisos.NewIdempotencyKey()
	target, warnings, err := c.AddTarget(ctx, owner, a.ID, sheetID, map[string]any{
		"name": "Resolución en plazo", "objective": "100", "reported": "",
		"direction": "gte", "weight": 100, "frequency": "ANNUAL", "due_date": "2026-12-31",
	})
	if err != nil {
		panic(err)
	}
	targetID, _ := target["id"].(string)
	if len(warnings) > 0 {
		fmt.Println("weight warnings:", warnings)
	}

	owner.IdempotencyKey = compromisos.NewIdempotencyKey()
	report, err := c.ReportValue(ctx, owner, a.ID, targetID, "95", "MET")
	if err != nil {
		panic(err)
	}

	for _, step := range []struct {
		role, from, to string
	}{
		{"Owner", "DRAFT", "PENDING_REVIEW"},
		{"Authority", "PENDING_REVIEW", "UNDER_REVIEW_AUTHORITY"},
		{"Committee", "UNDER_REVIEW_AUTHORITY", "UNDER_REVIEW_COMMITTEE"},
		{"Committee", "UNDER_REVIEW_COMMITTEE", "APPROVED"},
	} {
		ac := compromisos.ActorContext{ActorID: "usr_" + step.role, Role: step.role, IdempotencyKey: compromisos.NewIdempotencyKey()}
		if _, err := c.Transition(ctx, ac, a.ID, step.from, step.to, ""); err != nil {
			panic(err)
		}
	}

	versions, err := c.Versions(ctx, a.ID)
	if err != nil {
		panic(err)
	}

	out := map[string]any{
		"agreement_id": a.ID,
		"rollup":       report.Rollup,
		"versions":     versions,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	fmt.Println("ok")
}
