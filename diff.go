package store

import (
	"fmt"
	"reflect"
	"strings"
)

const maxDescribeLen = 256

// logStateChange emits a human-readable description of what changed. It is
// purely diagnostic and best-effort: any failure is swallowed.
func (s *Store[S]) logStateChange(a Action[S], prev, next S) {
	defer func() {
		recover()
	}()
	s.logger.Debug("state changed",
		"action", ActionType(a),
		"diff", describeDiff(prev, next))
}

// describeDiff renders a shallow field-by-field diff for struct states, or a
// before/after pair for everything else.
func describeDiff(prev, next any) string {
	pv := reflect.ValueOf(prev)
	nv := reflect.ValueOf(next)
	for pv.Kind() == reflect.Ptr && nv.Kind() == reflect.Ptr && !pv.IsNil() && !nv.IsNil() {
		pv = pv.Elem()
		nv = nv.Elem()
	}

	if pv.IsValid() && nv.IsValid() && pv.Type() == nv.Type() && pv.Kind() == reflect.Struct {
		var parts []string
		t := pv.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			pf := pv.Field(i).Interface()
			nf := nv.Field(i).Interface()
			if identityEqual(pf, nf) {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %v -> %v", t.Field(i).Name, pf, nf))
		}
		if len(parts) == 0 {
			return "no visible field changes"
		}
		return truncate(strings.Join(parts, ", "), maxDescribeLen)
	}

	return truncate(fmt.Sprintf("%+v -> %+v", prev, next), maxDescribeLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
