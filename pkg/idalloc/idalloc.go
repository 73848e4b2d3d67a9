// Package idalloc mints human-readable entity codes like AC_0001_2026.
// Allocation is gap-filling: the smallest positive suffix not already in
// use wins, so numbering stays stable and reusable after deletions. The
// package is pure; callers must serialize allocate-and-persist for a given
// (kind, year, scope), which the store does with an advisory lock.
package idalloc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind string

const (
	KindAgreement Kind = "AC"
	KindSheet     Kind = "F"
	KindTarget    Kind = "M"
)

// Format renders a code. Without a scope the number is zero-padded to four
// digits: AC_0001_2026. With an organization scope the number is plain:
// AC_OPP_1_2026.
func Format(kind Kind, scope string, n, year int) string {
	if scope == "" {
		return fmt.Sprintf("%s_%04d_%d", kind, n, year)
	}
	return fmt.Sprintf("%s_%s_%d_%d", kind, scope, n, year)
}

// ParseSuffix extracts the numeric suffix from a code of the given kind,
// year and scope. The scope may itself be a parent code containing
// underscores (sheet and target codes embed their parent's id), so the
// match is prefix-based. Codes of other kinds, years or scopes, and codes
// that do not parse, report ok=false and are skipped by Allocate.
func ParseSuffix(code string, kind Kind, scope string, year int) (int, bool) {
	prefix := string(kind) + "_"
	if scope != "" {
		prefix += scope + "_"
	}
	if !strings.HasPrefix(code, prefix) {
		return 0, false
	}
	parts := strings.Split(code[len(prefix):], "_")
	if len(parts) != 2 {
		return 0, false
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil || y != year {
		return 0, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Allocate returns the smallest positive integer whose code is not among
// the existing codes for (kind, year, scope). With no parseable codes it
// starts at 1.
func Allocate(existing []string, kind Kind, scope string, year int) int {
	used := map[int]bool{}
	for _, code := range existing {
		if n, ok := ParseSuffix(code, kind, scope, year); ok {
			used[n] = true
		}
	}
	return SmallestFree(used)
}

// AllocateCode is Allocate plus formatting.
func AllocateCode(existing []string, kind Kind, scope string, year int) string {
	return Format(kind, scope, Allocate(existing, kind, scope, year), year)
}

// SmallestFree returns the lowest positive integer absent from used.
func SmallestFree(used map[int]bool) int {
	for n := 1; ; n++ {
		if !used[n] {
			return n
		}
	}
}

// UsedSuffixes lists the suffixes in use, ascending. Handy for reconciling
// any cached counter against the authoritative scan.
func UsedSuffixes(existing []string, kind Kind, scope string, year int) []int {
	var out []int
	for _, code := range existing {
		if n, ok := ParseSuffix(code, kind, scope, year); ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
