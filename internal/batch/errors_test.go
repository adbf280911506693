package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("x")
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindFatal},
		{base, KindFatal},
		{Transient(base), KindTransient},
		{DataErr(base), KindData},
		{fmt.Errorf("wrapped: %w", Transient(base)), KindTransient},
		{Dataf("bad value %q", "abc"), KindData},
		{Transient(context.Canceled), KindFatal},
		{Transient(fmt.Errorf("op: %w", context.DeadlineExceeded)), KindFatal},
	}
	for i, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("case %d: KindOf(%v)=%s want %s", i, c.err, got, c.want)
		}
	}
	if Transient(nil) != nil || DataErr(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if !errors.Is(Transient(base), base) {
		t.Fatalf("wrapper must unwrap")
	}
}

func TestPolicy_Classifiers(t *testing.T) {
	p := DefaultPolicy()
	if !p.Retryable(Transient(errors.New("x"))) || p.Retryable(DataErr(errors.New("x"))) {
		t.Fatalf("retryable classification wrong")
	}
	if !p.Skippable(DataErr(errors.New("x"))) || p.Skippable(errors.New("x")) {
		t.Fatalf("skippable classification wrong")
	}

	strict := FaultPolicy{SkippableKinds: []Kind{KindData}}.normalized()
	if strict.Skippable(Transient(errors.New("x"))) {
		t.Fatalf("custom skippable kinds ignored")
	}
	if strict.ChunkSize != 50 {
		t.Fatalf("chunk size default=%d", strict.ChunkSize)
	}
}
