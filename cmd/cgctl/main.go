package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"compromisos/pkg/domain"
)

const usage = "usage: cgctl agreement evaluate --file <path> | cgctl agreement weights --file <path> | cgctl agreement rollup --file <path> [--met <pct>] [--partial <pct>]"

func main() {
	if len(os.Args) < 2 {
		failSummary("", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "agreement":
		runAgreement(os.Args[2:])
	default:
		failSummary("", "unknown command")
		os.Exit(2)
	}
}

func runAgreement(args []string) {
	if len(args) < 1 {
		failSummary("", usage)
		os.Exit(2)
	}
	switch args[0] {
	case "evaluate":
		runEvaluate(args[1:])
	case "weights":
		runWeights(args[1:])
	case "rollup":
		runRollup(args[1:])
	default:
		failSummary("", usage)
		os.Exit(2)
	}
}

func loadAgreement(fs *flag.FlagSet, args []string) *domain.Agreement {
	filePath := fs.String("file", "", "path to agreement json")
	if err := fs.Parse(args); err != nil {
		failSummary("", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*filePath) == "" {
		failSummary("", "--file is required")
		os.Exit(2)
	}
	raw, err := os.ReadFile(*filePath)
	if err != nil {
		failSummary("", "read agreement failed: "+err.Error())
		os.Exit(1)
	}
	var a domain.Agreement
	if err := json.Unmarshal(raw, &a); err != nil {
		failSummary("", "parse agreement failed: "+err.Error())
		os.Exit(1)
	}
	return &a
}

func runEvaluate(args []string) {
	fs := flag.NewFlagSet("agreement evaluate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	a := loadAgreement(fs, args)

	a.Recompute()
	type targetLine struct {
		SheetID    string   `json:"sheet_id"`
		TargetID   string   `json:"target_id"`
		Period     string   `json:"period"`
		Compliance *float64 `json:"compliance"`
	}
	var lines []targetLine
	for i := range a.Sheets {
		sh := &a.Sheets[i]
		for j := range sh.Targets {
			tg := &sh.Targets[j]
			lines = append(lines, targetLine{
				SheetID:    sh.ID,
				TargetID:   tg.ID,
				Period:     domain.PeriodLabel(tg),
				Compliance: tg.Compliance,
			})
		}
	}
	out, _ := json.Marshal(lines)
	passSummary(a.ID, "targets", string(out))
}

func runWeights(args []string) {
	fs := flag.NewFlagSet("agreement weights", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	a := loadAgreement(fs, args)

	warnings := domain.ValidateAgreementWeights(a)
	msgs := make([]string, 0, len(warnings))
	for _, w := range warnings {
		msgs = append(msgs, w.String())
	}
	out, _ := json.Marshal(msgs)
	if len(warnings) > 0 {
		fmt.Printf("{\"tool\":\"cgctl\",\"status\":\"FAIL\",\"agreement_id\":%s,\"warnings\":%s,\"timestamp_utc\":\"%s\"}\n",
			jsonQuote(a.ID), string(out), time.Now().UTC().Format(time.RFC3339))
		os.Exit(1)
	}
	passSummary(a.ID, "warnings", string(out))
}

func runRollup(args []string) {
	fs := flag.NewFlagSet("agreement rollup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	met := fs.Float64("met", 90, "minimum roll-up counted as met")
	partial := fs.Float64("partial", 60, "minimum roll-up counted as partially met")
	a := loadAgreement(fs, args)

	th := domain.Thresholds{Met: *met, PartiallyMet: *partial}
	rollup := domain.RollUp(a)
	classification := "UNDEFINED"
	value := "null"
	if rollup != nil {
		classification = string(domain.ClassifyValue(rollup, th))
		value = fmt.Sprintf("%.2f", *rollup)
	}
	fmt.Printf("{\"tool\":\"cgctl\",\"status\":\"PASS\",\"agreement_id\":%s,\"rollup\":%s,\"classification\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(a.ID), value, jsonQuote(classification), time.Now().UTC().Format(time.RFC3339))
}

func passSummary(agreementID, key, rawJSON string) {
	fmt.Printf("{\"tool\":\"cgctl\",\"status\":\"PASS\",\"agreement_id\":%s,%q:%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(agreementID), key, rawJSON, time.Now().UTC().Format(time.RFC3339))
}

func failSummary(agreementID, reason string) {
	fmt.Printf("{\"tool\":\"cgctl\",\"status\":\"FAIL\",\"agreement_id\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(agreementID), jsonQuote(reason), time.Now().UTC().Format(time.RFC3339))
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
