package api

// FlowState is the contract every flow state type implements. A state is a
// mutable record the interpreter threads through the step tree; mutating
// setters mark a per-field bit so the engine knows which fields changed
// since the last persist.
//
// State types embed StateBase and call SetField from their setters:
//
//	type OrderState struct {
//	    api.StateBase
//	    Amount float64
//	}
//
//	const orderFieldAmount = 0
//
//	func NewOrderState() *OrderState {
//	    s := &OrderState{}
//	    s.InitState("", []string{"Amount"})
//	    return s
//	}
//
//	func (s *OrderState) SetAmount(v float64) {
//	    api.SetField(&s.StateBase, orderFieldAmount, &s.Amount, v)
//	}
type FlowState interface {
	// FlowID returns the flow instance identifier this state belongs to.
	FlowID() string

	// SetFlowID binds the state to a flow instance.
	SetFlowID(id string)

	// ClearChanges resets the changed-field bitmask.
	ClearChanges()

	// ChangedFieldNames returns the human-readable names of fields mutated
	// since the last ClearChanges, in field-declaration order.
	ChangedFieldNames() []string

	// HasChanges reports whether any field is currently marked dirty.
	HasChanges() bool
}

// StateBase provides the change-tracking plumbing for FlowState
// implementations. One bit per tracked field, up to 64 fields per state
// type; state shapes needing more should split into multiple states.
//
// Only ID is persisted with the state payload. The bitmask and the field
// name table are runtime-only: the name table is re-established by the
// state factory before a snapshot is decoded into the instance.
type StateBase struct {
	ID string

	dirty      uint64
	fieldNames []string
}

// InitState sets the flow ID and the tracked field name table.
// The index of a name in fieldNames is the field's bit.
func (b *StateBase) InitState(id string, fieldNames []string) {
	b.ID = id
	b.fieldNames = fieldNames
}

func (b *StateBase) FlowID() string { return b.ID }

func (b *StateBase) SetFlowID(id string) { b.ID = id }

// MarkChanged sets the dirty bit for the given field index.
// Out-of-range bits are ignored.
func (b *StateBase) MarkChanged(bit int) {
	if bit < 0 || bit > 63 {
		return
	}
	b.dirty |= 1 << uint(bit)
}

func (b *StateBase) ClearChanges() { b.dirty = 0 }

func (b *StateBase) HasChanges() bool { return b.dirty != 0 }

func (b *StateBase) ChangedFieldNames() []string {
	if b.dirty == 0 {
		return nil
	}
	var names []string
	for i, name := range b.fieldNames {
		if i > 63 {
			break
		}
		if b.dirty&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return names
}

// SetField assigns v to *dst and marks the field dirty, but only when the
// value actually differs. Setting a field to its current value leaves the
// bitmask untouched.
func SetField[T comparable](b *StateBase, bit int, dst *T, v T) {
	if *dst == v {
		return
	}
	*dst = v
	b.MarkChanged(bit)
}

// ItemScope is the state view a ForEach body sees: the shared flow state
// plus the current item and its index. Command factories and callbacks
// inside a ForEach body receive an *ItemScope as their FlowState and can
// unwrap it with ItemOf.
type ItemScope struct {
	FlowState

	Index int
	Item  any
}

// NewItemScope wraps state with a per-item view for index/item.
func NewItemScope(state FlowState, index int, item any) *ItemScope {
	return &ItemScope{FlowState: state, Index: index, Item: item}
}

// ItemOf unwraps the ForEach item from a state handed to a body callback.
// ok is false when s is not an item scope (i.e. the callback is not
// running inside a ForEach body).
func ItemOf(s FlowState) (index int, item any, ok bool) {
	if sc, found := s.(*ItemScope); found {
		return sc.Index, sc.Item, true
	}
	return 0, nil, false
}
