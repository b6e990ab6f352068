package flume

import (
	"fmt"

	"github.com/petrijr/flume/pkg/api"
)

// validateSteps walks a built tree and rejects shapes the interpreter
// cannot execute. inParallel marks subtrees that run off the interpreter
// goroutine (WhenAll/WhenAny branches, parallel ForEach bodies): those may
// not suspend and may not nest another iteration.
func validateSteps(flowName string, steps []*api.Step, inParallel bool) error {
	for _, st := range steps {
		if inParallel {
			if st.Suspending() {
				return fmt.Errorf("flow %q: step %q: %s cannot run inside a parallel section", flowName, st.Name, st.Kind)
			}
			if st.Kind == api.KindForEach {
				return fmt.Errorf("flow %q: step %q: foreach cannot nest inside a parallel section", flowName, st.Name)
			}
		}

		switch st.Kind {
		case api.KindIf:
			for _, b := range st.Branches {
				if err := validateSteps(flowName, b.Steps, inParallel); err != nil {
					return err
				}
			}
		case api.KindSwitch:
			for _, key := range st.CaseOrder {
				if err := validateSteps(flowName, st.Cases[key], inParallel); err != nil {
					return err
				}
			}
			if err := validateSteps(flowName, st.Default, inParallel); err != nil {
				return err
			}
		case api.KindForEach:
			if len(st.Body) == 0 {
				return fmt.Errorf("flow %q: foreach %q has an empty body", flowName, st.Name)
			}
			if err := validateSteps(flowName, st.Body, inParallel || st.Parallelism > 1); err != nil {
				return err
			}
		case api.KindWhenAll, api.KindWhenAny:
			if len(st.ParallelBranches) == 0 {
				return fmt.Errorf("flow %q: %s %q has no branches", flowName, st.Kind, st.Name)
			}
			for _, branch := range st.ParallelBranches {
				if len(branch) == 0 {
					return fmt.Errorf("flow %q: %s %q has an empty branch", flowName, st.Kind, st.Name)
				}
				if err := validateSteps(flowName, branch, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Into adapts a typed result mapper to the untyped modifier signature:
//
//	.Send("lookup", lookupCmd).
//	Into(flume.Into(func(s flume.FlowState, r LookupReply) error {
//	    s.(*OrderState).SetCustomer(r.Customer)
//	    return nil
//	}))
//
// A result of the wrong dynamic type fails the step.
func Into[T any](fn func(s FlowState, result T) error) func(s FlowState, result any) error {
	return func(s FlowState, result any) error {
		typed, ok := result.(T)
		if !ok {
			return fmt.Errorf("unexpected result type %T", result)
		}
		return fn(s, typed)
	}
}

// Items adapts a typed slice accessor to the untyped ForEach signature.
func Items[T any](fn func(s FlowState) []T) func(s FlowState) []any {
	return func(s FlowState) []any {
		typed := fn(s)
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = v
		}
		return out
	}
}

// Item unwraps the current ForEach item with its concrete type. ok is
// false outside a ForEach body or when the item has a different type.
func Item[T any](s FlowState) (index int, item T, ok bool) {
	idx, raw, inScope := api.ItemOf(s)
	if !inScope {
		return 0, item, false
	}
	typed, isT := raw.(T)
	if !isT {
		return idx, item, false
	}
	return idx, typed, true
}
